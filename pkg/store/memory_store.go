package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"getqr/pkg/domain"
)

// MemoryStore keeps everything in-process (single instance only, tests and local runs).
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]domain.User
	qrs   map[string]domain.QrRecord
	links map[string]domain.LinkRecord
	files map[string]domain.FileRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		qrs:   make(map[string]domain.QrRecord),
		links: make(map[string]domain.LinkRecord),
		files: make(map[string]domain.FileRecord),
	}
}

func (s *MemoryStore) SaveUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) HasUserEmail(email string) (bool, error) {
	_, ok, err := s.GetUserByEmail(email)
	return ok, err
}

func (s *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) CreateQR(qr domain.QrRecord, link domain.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.Domain == link.Domain && l.Key == link.Key {
			return ErrDuplicateKey
		}
	}
	qr.Link, qr.File, qr.User = nil, nil, nil
	s.links[link.ID] = link
	s.qrs[qr.ID] = qr
	return nil
}

func (s *MemoryStore) UpdateQR(qr domain.QrRecord, link domain.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.qrs[qr.ID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	cur.Title = qr.Title
	cur.Description = qr.Description
	cur.Data = qr.Data
	cur.Content = qr.Content
	cur.Styles = qr.Styles
	cur.FrameOptions = qr.FrameOptions
	cur.FileID = qr.FileID
	cur.UserID = qr.UserID
	cur.Archived = qr.Archived
	cur.UpdatedAt = now
	s.qrs[cur.ID] = cur
	if l, ok := s.links[link.ID]; ok {
		l.URL = link.URL
		l.UserID = link.UserID
		l.Archived = link.Archived
		l.UpdatedAt = now
		s.links[l.ID] = l
	}
	return nil
}

func (s *MemoryStore) GetQR(id string) (domain.QrRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.qrs[id]
	if !ok {
		return domain.QrRecord{}, false, nil
	}
	return s.joined(q), true, nil
}

func (s *MemoryStore) GetQRByLinkID(linkID string) (domain.QrRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.qrs {
		if q.LinkID == linkID {
			return s.joined(q), true, nil
		}
	}
	return domain.QrRecord{}, false, nil
}

func (s *MemoryStore) joined(q domain.QrRecord) domain.QrRecord {
	if l, ok := s.links[q.LinkID]; ok {
		q.Link = &l
	}
	if f, ok := s.files[q.FileID]; ok && q.FileID != "" {
		q.File = &f
	}
	if u, ok := s.users[q.UserID]; ok && q.UserID != "" {
		q.User = &u
	}
	return q
}

func (s *MemoryStore) ListQRs(q domain.ListQuery) ([]domain.QrRecord, int64, error) {
	q = q.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(q.Search))
	matched := make([]domain.QrRecord, 0)
	for _, rec := range s.qrs {
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		if q.OnlyArchived && !rec.Archived {
			continue
		}
		if !q.OnlyArchived && !q.IncludeArchived && rec.Archived {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.Title), search) &&
			!strings.Contains(strings.ToLower(rec.Data), search) {
			continue
		}
		matched = append(matched, s.joined(rec))
	}
	less := func(a, b domain.QrRecord) int {
		switch q.SortBy {
		case "title":
			return strings.Compare(a.Title, b.Title)
		case "updatedAt":
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case "clicks":
			var ac, bc int64
			if a.Link != nil {
				ac = a.Link.Clicks
			}
			if b.Link != nil {
				bc = b.Link.Clicks
			}
			switch {
			case ac < bc:
				return -1
			case ac > bc:
				return 1
			}
			return 0
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := less(matched[i], matched[j])
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if q.SortOrder == "desc" {
			return c > 0
		}
		return c < 0
	})
	total := int64(len(matched))
	start := (q.Page - 1) * q.PageSize
	if start >= len(matched) {
		return []domain.QrRecord{}, total, nil
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) SetArchived(qrID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.qrs[qrID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	q.Archived = archived
	q.UpdatedAt = now
	s.qrs[qrID] = q
	if l, ok := s.links[q.LinkID]; ok {
		l.Archived = archived
		l.UpdatedAt = now
		s.links[l.ID] = l
	}
	return nil
}

func (s *MemoryStore) DeleteQR(qrID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.qrs[qrID]
	if !ok {
		return ErrNotFound
	}
	delete(s.links, q.LinkID)
	delete(s.qrs, qrID)
	return nil
}

func (s *MemoryStore) ClaimAnonymousQRs(sessionID, userID string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, q := range s.qrs {
		if q.SessionID != sessionID || q.UserID != "" {
			continue
		}
		q.UserID = userID
		s.qrs[id] = q
		if l, ok := s.links[q.LinkID]; ok {
			l.UserID = userID
			s.links[l.ID] = l
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountFileReferences(fileID, excludeQrID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, q := range s.qrs {
		if q.FileID == fileID && q.ID != excludeQrID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetLinkByKey(domainName, key string) (domain.LinkRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.Domain == domainName && l.Key == key {
			return l, true, nil
		}
	}
	return domain.LinkRecord{}, false, nil
}

func (s *MemoryStore) LinkKeyExists(domainName, key string) (bool, error) {
	_, ok, err := s.GetLinkByKey(domainName, key)
	return ok, err
}

func (s *MemoryStore) ResetLinkStats(linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok {
		return ErrNotFound
	}
	l.Clicks, l.Leads, l.Sales, l.SaleAmount = 0, 0, 0, 0
	l.LastClicked = nil
	l.UpdatedAt = time.Now().UTC()
	s.links[linkID] = l
	return nil
}

func (s *MemoryStore) RecordClick(linkID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok {
		return nil
	}
	l.Clicks++
	t := at.UTC()
	l.LastClicked = &t
	s.links[linkID] = l
	return nil
}

func (s *MemoryStore) SaveFile(f domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *MemoryStore) GetFile(id string) (domain.FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	return f, ok, nil
}

func (s *MemoryStore) DeleteFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
