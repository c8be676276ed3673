package store

import (
	"errors"
	"testing"
	"time"

	"getqr/pkg/domain"
)

func seedQR(t *testing.T, s *MemoryStore, id, userID, title string, created time.Time) {
	t.Helper()
	link := domain.LinkRecord{ID: "link-" + id, Domain: "qr.example", Key: "k" + id, URL: "https://example.com/" + id, UserID: userID}
	qr := domain.QrRecord{
		ID:        id,
		UserID:    userID,
		Title:     title,
		QrType:    domain.TypeWebsite,
		Data:      link.URL,
		LinkID:    link.ID,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.CreateQR(qr, link); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestMemoryStoreCreateRejectsDuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	seedQR(t, s, "a", "u1", "A", time.Now())
	err := s.CreateQR(
		domain.QrRecord{ID: "b", LinkID: "link-b"},
		domain.LinkRecord{ID: "link-b", Domain: "qr.example", Key: "ka"},
	)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	if _, ok, _ := s.GetQR("b"); ok {
		t.Fatalf("qr must not be stored when link key clashes")
	}
}

func TestMemoryStoreListQRs(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedQR(t, s, "a", "u1", "Menu", base)
	seedQR(t, s, "b", "u1", "Flyer", base.Add(time.Hour))
	seedQR(t, s, "c", "u1", "Poster menu", base.Add(2*time.Hour))
	seedQR(t, s, "d", "u2", "Other", base.Add(3*time.Hour))
	if err := s.SetArchived("b", true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	cases := []struct {
		name  string
		query domain.ListQuery
		want  []string
		total int64
	}{
		{name: "default newest first", query: domain.ListQuery{UserID: "u1"}, want: []string{"c", "a"}, total: 2},
		{name: "archived only", query: domain.ListQuery{UserID: "u1", OnlyArchived: true}, want: []string{"b"}, total: 1},
		{name: "search", query: domain.ListQuery{UserID: "u1", Search: "MENU", SortOrder: "asc"}, want: []string{"a", "c"}, total: 2},
		{name: "title asc", query: domain.ListQuery{UserID: "u1", IncludeArchived: true, SortBy: "title", SortOrder: "asc"}, want: []string{"b", "a", "c"}, total: 3},
		{name: "paging", query: domain.ListQuery{UserID: "u1", IncludeArchived: true, Page: 2, PageSize: 2}, want: []string{"a"}, total: 3},
		{name: "all users", query: domain.ListQuery{}, want: []string{"d", "c", "a"}, total: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := s.ListQRs(tc.query)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != tc.total {
				t.Fatalf("expected total %d, got %d", tc.total, total)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d items, got %d", len(tc.want), len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("item %d: expected %s, got %s", i, id, got[i].ID)
				}
				if got[i].Link == nil {
					t.Fatalf("item %d: link not joined", i)
				}
			}
		})
	}
}

func TestMemoryStoreArchiveKeepsPairInSync(t *testing.T) {
	s := NewMemoryStore()
	seedQR(t, s, "a", "u1", "A", time.Now())
	for _, archived := range []bool{true, true, false} {
		if err := s.SetArchived("a", archived); err != nil {
			t.Fatalf("set archived: %v", err)
		}
		qr, _, _ := s.GetQR("a")
		if qr.Archived != archived || qr.Link.Archived != archived {
			t.Fatalf("expected qr and link archived=%v, got %v/%v", archived, qr.Archived, qr.Link.Archived)
		}
	}
	if err := s.SetArchived("missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreDeleteRemovesLink(t *testing.T) {
	s := NewMemoryStore()
	seedQR(t, s, "a", "u1", "A", time.Now())
	if err := s.DeleteQR("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetQR("a"); ok {
		t.Fatalf("qr still present")
	}
	if ok, _ := s.LinkKeyExists("qr.example", "ka"); ok {
		t.Fatalf("link still present")
	}
	if err := s.DeleteQR("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestMemoryStoreClaimAnonymousQRs(t *testing.T) {
	s := NewMemoryStore()
	link := domain.LinkRecord{ID: "link-anon", Domain: "qr.example", Key: "anon"}
	qr := domain.QrRecord{ID: "anon", SessionID: "sid-1", LinkID: link.ID, QrType: domain.TypeWebsite}
	if err := s.CreateQR(qr, link); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedQR(t, s, "owned", "u2", "Owned", time.Now())

	n, err := s.ClaimAnonymousQRs("sid-1", "u1")
	if err != nil || n != 1 {
		t.Fatalf("expected one claimed, got %d err=%v", n, err)
	}
	got, _, _ := s.GetQR("anon")
	if got.UserID != "u1" || got.Link.UserID != "u1" {
		t.Fatalf("expected qr and link owned by u1, got %q/%q", got.UserID, got.Link.UserID)
	}
	if n, _ := s.ClaimAnonymousQRs("", "u1"); n != 0 {
		t.Fatalf("blank session must not claim anything")
	}
}

func TestMemoryStoreLinkStats(t *testing.T) {
	s := NewMemoryStore()
	seedQR(t, s, "a", "u1", "A", time.Now())
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := s.RecordClick("link-a", at); err != nil {
			t.Fatalf("record click: %v", err)
		}
	}
	link, ok, _ := s.GetLinkByKey("qr.example", "ka")
	if !ok || link.Clicks != 3 || link.LastClicked == nil || !link.LastClicked.Equal(at) {
		t.Fatalf("unexpected link after clicks: %+v", link)
	}
	if err := s.ResetLinkStats("link-a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	qr, ok, _ := s.GetQR("a")
	if !ok || qr.Link.Clicks != 0 || qr.Link.LastClicked != nil {
		t.Fatalf("expected zeroed stats with records kept, got %+v", qr.Link)
	}
}

func TestMemoryStoreCountFileReferences(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		link := domain.LinkRecord{ID: "link-" + id, Domain: "qr.example", Key: id}
		qr := domain.QrRecord{ID: id, LinkID: link.ID, QrType: domain.TypePDF, FileID: "file-1"}
		if err := s.CreateQR(qr, link); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := s.CountFileReferences("file-1", "a")
	if err != nil || n != 1 {
		t.Fatalf("expected one other reference, got %d err=%v", n, err)
	}
}
