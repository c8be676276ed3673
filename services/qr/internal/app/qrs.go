package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"getqr/internal/util"
	"getqr/pkg/builder"
	"getqr/pkg/domain"
	"getqr/pkg/events"
	"getqr/pkg/qrcode"
	"getqr/pkg/queue"
	"getqr/pkg/storage"
	"getqr/pkg/store"
)

const maxKeyAttempts = 5

// QrItem is a QR record decorated for display.
type QrItem struct {
	domain.QrRecord
	ShortLink     string               `json:"shortLink,omitempty"`
	Summary       string               `json:"summary"`
	Customization qrcode.Customization `json:"customization"`
}

// QrPage is one page of a listing.
type QrPage struct {
	Items    []QrItem `json:"items"`
	Total    int64    `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}

// UpdateInput is a partial update; nil or empty fields are left unchanged.
type UpdateInput struct {
	Title        *string         `json:"title,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Styles       json.RawMessage `json:"styles,omitempty"`
	FrameOptions json.RawMessage `json:"frameOptions,omitempty"`
	FileID       *string         `json:"fileId,omitempty"`
	URL          *string         `json:"url,omitempty"`
}

// prepared is validated and encoded content ready to persist.
type prepared struct {
	content json.RawMessage
	data    string
	fileID  string
}

// prepareContent validates and encodes content. A file other than keepFileID must belong
// to the actor.
func (a *App) prepareContent(actor Actor, t domain.QrType, raw json.RawMessage, data, fileID, keepFileID string) (prepared, error) {
	var (
		c   qrcode.Content
		err error
	)
	if len(raw) == 0 && data != "" && !t.FileBacked() {
		c, err = qrcode.Decode(t, data)
		if err != nil {
			return prepared{}, domain.FieldError("data", err.Error())
		}
	} else {
		c, err = qrcode.ParseContent(t, raw)
		if err != nil {
			return prepared{}, domain.FieldError("content", err.Error())
		}
	}
	if f, ok := c.(qrcode.File); ok && f.FileID == "" {
		f.FileID = fileID
		c = f
	}
	if err := qrcode.Validate(c); err != nil {
		return prepared{}, err
	}
	c = qrcode.Normalize(c)
	if f, ok := c.(qrcode.File); ok && f.FileID != keepFileID {
		if err := a.checkFileOwner(actor, f.FileID); err != nil {
			return prepared{}, err
		}
	}
	payload, err := qrcode.Encode(c, a.fileURL)
	if err != nil {
		if domain.KindOf(err) == domain.KindValidation {
			return prepared{}, err
		}
		return prepared{}, fmt.Errorf("encode content: %w", err)
	}
	contentJSON, err := qrcode.MarshalContent(c)
	if err != nil {
		return prepared{}, err
	}
	p := prepared{content: contentJSON, data: payload}
	if f, ok := c.(qrcode.File); ok {
		p.fileID = f.FileID
	}
	return p, nil
}

func (a *App) checkFileOwner(actor Actor, fileID string) error {
	f, ok, err := a.store.GetFile(fileID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.FieldError("file", "file not found")
	}
	if actor.Role == domain.RoleAdmin || f.OwnedBy(actor.UserID, actor.SessionID) {
		return nil
	}
	return domain.PermissionError("not allowed to use this file")
}

// resolveTarget picks the redirect target: file URL, then content destination, then an
// explicit URL, then the hosted preview page.
func (a *App) resolveTarget(t domain.QrType, data, explicitURL, qrID string) string {
	if t.FileBacked() && data != "" {
		return data
	}
	if d := qrcode.Destination(t, data); d != "" {
		return d
	}
	if explicitURL != "" {
		return explicitURL
	}
	return a.previewURL(qrID)
}

func validateExplicitURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !qrcode.ValidURL(raw) {
		return "", domain.FieldError("url", "must be a valid http(s) URL")
	}
	return raw, nil
}

// CreateQR validates draft, applies the anonymous creation cap and writes the QR code and
// its short link together.
func (a *App) CreateQR(ctx context.Context, actor Actor, draft domain.QrDraft) (QrItem, error) {
	if !actor.Anonymous() && !actor.HasScope(domain.ScopeQrsWrite) {
		return QrItem{}, domain.PermissionError("missing permission " + domain.ScopeQrsWrite)
	}
	t, ok := domain.ParseQrType(string(draft.QrType))
	if !ok {
		return QrItem{}, domain.FieldError("qrType", "unknown qr type")
	}
	if err := qrcode.ValidateDescription(draft.Description); err != nil {
		return QrItem{}, err
	}
	target := draft.URL
	if target == "" && draft.Link != nil {
		target = draft.Link.URL
	}
	explicitURL, err := validateExplicitURL(target)
	if err != nil {
		return QrItem{}, err
	}
	raw := draft.Content
	if t == domain.TypeWebsite && len(raw) == 0 && draft.Data == "" && explicitURL != "" {
		if raw, err = qrcode.MarshalContent(qrcode.Website{URL: explicitURL}); err != nil {
			return QrItem{}, err
		}
	}
	p, err := a.prepareContent(actor, t, raw, draft.Data, draft.FileID, "")
	if err != nil {
		return QrItem{}, err
	}
	if actor.Anonymous() {
		if err := a.allowAnonymousCreate(ctx, actor); err != nil {
			return QrItem{}, err
		}
	}

	now := a.now().UTC()
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = t.Placeholder()
	}
	qr := domain.QrRecord{
		ID:           util.NewID(),
		UserID:       actor.UserID,
		Title:        title,
		Description:  strings.TrimSpace(draft.Description),
		QrType:       t,
		Data:         p.data,
		Content:      p.content,
		Styles:       draft.Styles,
		FrameOptions: draft.FrameOptions,
		FileID:       p.fileID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if actor.Anonymous() {
		qr.SessionID = actor.SessionID
	}
	link := domain.LinkRecord{
		ID:        util.NewID(),
		Domain:    a.shortDomain,
		URL:       a.resolveTarget(t, p.data, explicitURL, qr.ID),
		UserID:    actor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	qr.LinkID = link.ID
	if err := a.insertWithUniqueKey(&qr, &link); err != nil {
		return QrItem{}, err
	}
	util.LoggerFromContext(ctx).Info("qr created", "qr_id", qr.ID, "qr_type", t, "anonymous", actor.Anonymous())
	a.publish(ctx, events.Event{Type: events.QrCreated, QrID: qr.ID, LinkID: link.ID, UserID: actor.UserID,
		Attrs: map[string]string{"qrType": string(t)}})
	return a.item(qr.ID)
}

func (a *App) allowAnonymousCreate(ctx context.Context, actor Actor) error {
	ok, count, err := a.limiter.Allow(ctx, actor.IP)
	if err != nil {
		util.LoggerFromContext(ctx).Error("anonymous create limiter failed", "ip", actor.IP, "err", err)
		return domain.UpstreamError("ratelimit", err)
	}
	if !ok {
		util.LoggerFromContext(ctx).Warn("anonymous create limited", "ip", actor.IP, "count", count)
		return domain.RateLimitError("too many QR codes created from this address, sign up to create more")
	}
	return nil
}

func (a *App) insertWithUniqueKey(qr *domain.QrRecord, link *domain.LinkRecord) error {
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := util.NewShortKey(util.ShortKeyLength)
		if err != nil {
			return err
		}
		exists, err := a.store.LinkKeyExists(link.Domain, key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		link.Key = key
		err = a.store.CreateQR(*qr, *link)
		if errors.Is(err, store.ErrDuplicateKey) {
			continue
		}
		return err
	}
	return errors.New("could not allocate a unique short link key")
}

func (a *App) load(id string) (domain.QrRecord, error) {
	qr, ok, err := a.store.GetQR(id)
	if err != nil {
		return domain.QrRecord{}, err
	}
	if !ok {
		return domain.QrRecord{}, domain.NotFoundError("qr")
	}
	return qr, nil
}

func (a *App) loadOwned(actor Actor, id string) (domain.QrRecord, error) {
	if err := actor.requireUser(domain.ScopeQrsWrite); err != nil {
		return domain.QrRecord{}, err
	}
	qr, err := a.load(id)
	if err != nil {
		return domain.QrRecord{}, err
	}
	if !actor.owns(qr) {
		return domain.QrRecord{}, domain.PermissionError("not allowed to modify this QR code")
	}
	return qr, nil
}

func (a *App) item(id string) (QrItem, error) {
	qr, err := a.load(id)
	if err != nil {
		return QrItem{}, err
	}
	return toItem(qr), nil
}

func toItem(qr domain.QrRecord) QrItem {
	it := QrItem{
		QrRecord:      qr,
		Summary:       qrcode.Summary(qr.QrType, qr.Data),
		Customization: qrcode.ExtractCustomization(qr.Styles, qr.FrameOptions),
	}
	if qr.Link != nil {
		it.ShortLink = qr.Link.ShortLink()
	}
	if it.User != nil {
		u := *it.User
		u.PasswordHash = ""
		it.User = &u
	}
	return it
}

// GetQR returns one QR code the actor may read.
func (a *App) GetQR(ctx context.Context, actor Actor, id string) (QrItem, error) {
	qr, err := a.load(id)
	if err != nil {
		return QrItem{}, err
	}
	if !actor.canRead(qr) {
		return QrItem{}, domain.PermissionError("not allowed to view this QR code")
	}
	return toItem(qr), nil
}

// ListQRs pages the actor's QR codes. Admins may list any user's.
func (a *App) ListQRs(ctx context.Context, actor Actor, q domain.ListQuery) (QrPage, error) {
	if err := actor.requireUser(domain.ScopeQrsRead); err != nil {
		return QrPage{}, err
	}
	if actor.Role != domain.RoleAdmin || q.UserID == "" {
		q.UserID = actor.UserID
	}
	q = q.Normalize()
	records, total, err := a.store.ListQRs(q)
	if err != nil {
		return QrPage{}, err
	}
	items := make([]QrItem, 0, len(records))
	for _, r := range records {
		items = append(items, toItem(r))
	}
	return QrPage{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// UpdateQR applies a partial update and re-resolves the redirect target.
func (a *App) UpdateQR(ctx context.Context, actor Actor, id string, in UpdateInput) (QrItem, error) {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	return a.applyUpdate(ctx, actor, qr, in)
}

func (a *App) applyUpdate(ctx context.Context, actor Actor, qr domain.QrRecord, in UpdateInput) (QrItem, error) {
	if qr.Link == nil {
		return QrItem{}, domain.NotFoundError("link")
	}
	oldFileID := qr.FileID
	if in.Title != nil {
		qr.Title = strings.TrimSpace(*in.Title)
		if qr.Title == "" {
			qr.Title = qr.QrType.Placeholder()
		}
	}
	if in.Description != nil {
		if err := qrcode.ValidateDescription(*in.Description); err != nil {
			return QrItem{}, err
		}
		qr.Description = strings.TrimSpace(*in.Description)
	}
	if len(in.Styles) > 0 {
		qr.Styles = in.Styles
	}
	if len(in.FrameOptions) > 0 {
		qr.FrameOptions = in.FrameOptions
	}
	explicitURL := ""
	if in.URL != nil {
		u, err := validateExplicitURL(*in.URL)
		if err != nil {
			return QrItem{}, err
		}
		explicitURL = u
	} else if a.isExplicitTarget(qr) {
		explicitURL = qr.Link.URL
	}

	contentChanged := len(in.Content) > 0 || (in.FileID != nil && *in.FileID != qr.FileID)
	if contentChanged {
		raw := in.Content
		if len(raw) == 0 {
			raw = qr.Content
		}
		fileID := qr.FileID
		if in.FileID != nil && *in.FileID != "" {
			fileID = *in.FileID
			raw = overrideFileID(raw, fileID)
		}
		p, err := a.prepareContent(actor, qr.QrType, raw, "", fileID, oldFileID)
		if err != nil {
			return QrItem{}, err
		}
		qr.Content, qr.Data, qr.FileID = p.content, p.data, p.fileID
	}
	if contentChanged || in.URL != nil {
		qr.Link.URL = a.resolveTarget(qr.QrType, qr.Data, explicitURL, qr.ID)
	}

	link := *qr.Link
	qr.Link, qr.File, qr.User = nil, nil, nil
	if err := a.store.UpdateQR(qr, link); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QrItem{}, domain.NotFoundError("qr")
		}
		return QrItem{}, err
	}
	a.invalidateLink(ctx, link)
	if oldFileID != "" && oldFileID != qr.FileID {
		a.scheduleCleanup(ctx, oldFileID, queue.ReasonSuperseded)
	}
	a.publish(ctx, events.Event{Type: events.QrUpdated, QrID: qr.ID, LinkID: link.ID, UserID: actor.UserID})
	return a.item(qr.ID)
}

// isExplicitTarget reports whether the stored target was set explicitly rather than
// derived from the content.
func (a *App) isExplicitTarget(qr domain.QrRecord) bool {
	if qr.Link == nil || qr.QrType.FileBacked() {
		return false
	}
	target := qr.Link.URL
	return target != "" && target != a.previewURL(qr.ID) && target != qrcode.Destination(qr.QrType, qr.Data)
}

// overrideFileID replaces the fileId of file content JSON.
func overrideFileID(raw json.RawMessage, fileID string) json.RawMessage {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	m["fileId"] = fileID
	delete(m, "name")
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// ReplaceQR is the full update: every field of draft replaces the stored one.
func (a *App) ReplaceQR(ctx context.Context, actor Actor, id string, draft domain.QrDraft) (QrItem, error) {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	if draft.QrType != "" && draft.QrType != qr.QrType {
		return QrItem{}, domain.FieldError("qrType", "qr type cannot change")
	}
	return a.applyUpdate(ctx, actor, qr, fullUpdate(draft))
}

func fullUpdate(d domain.QrDraft) UpdateInput {
	in := UpdateInput{
		Title:        &d.Title,
		Description:  &d.Description,
		Content:      d.Content,
		Styles:       d.Styles,
		FrameOptions: d.FrameOptions,
	}
	if d.FileID != "" {
		in.FileID = &d.FileID
	}
	if d.URL != "" {
		in.URL = &d.URL
	}
	if len(in.Content) == 0 && d.Data != "" && !d.QrType.FileBacked() {
		if c, err := qrcode.Decode(d.QrType, d.Data); err == nil {
			in.Content, _ = qrcode.MarshalContent(c)
		}
	}
	return in
}

// UpdateContent is the quick content edit of an existing record.
func (a *App) UpdateContent(ctx context.Context, actor Actor, id string, raw json.RawMessage) (QrItem, error) {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	c, err := qrcode.ParseContent(qr.QrType, raw)
	if err != nil {
		return QrItem{}, domain.FieldError("content", err.Error())
	}
	editor := builder.NewContentEditor(qr, a.fileURL)
	rec, err := editor.Submit(ctx, c, a.saverFor(actor))
	if err != nil {
		return QrItem{}, err
	}
	return a.item(rec.ID)
}

// DuplicateQR copies a QR code, including its file, under a new short link.
func (a *App) DuplicateQR(ctx context.Context, actor Actor, id string) (QrItem, error) {
	src, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	draft := domain.QrDraft{
		QrType:       src.QrType,
		Title:        src.Title + " (Copy)",
		Description:  src.Description,
		Content:      src.Content,
		Styles:       src.Styles,
		FrameOptions: src.FrameOptions,
		Data:         src.Data,
	}
	if a.isExplicitTarget(src) {
		draft.URL = src.Link.URL
	}
	owner := actor
	if actor.Role == domain.RoleAdmin && src.UserID != "" {
		owner.UserID = src.UserID
	}
	if src.FileID != "" {
		copied, err := a.copyFile(ctx, owner, src.FileID)
		if err != nil {
			return QrItem{}, err
		}
		draft.FileID = copied.ID
		draft.Content = overrideFileID(src.Content, copied.ID)
	}
	item, err := a.CreateQR(ctx, owner, draft)
	if err != nil && draft.FileID != "" {
		a.scheduleCleanup(ctx, draft.FileID, queue.ReasonAbandoned)
	}
	return item, err
}

func (a *App) copyFile(ctx context.Context, actor Actor, fileID string) (domain.FileRecord, error) {
	src, ok, err := a.store.GetFile(fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if !ok {
		return domain.FileRecord{}, domain.NotFoundError("file")
	}
	dst := src
	dst.ID = util.NewID()
	dst.UserID = actor.UserID
	dst.SessionID = actor.SessionID
	dst.StorageKey = storage.FileKey(dst.ID, src.Name)
	dst.CreatedAt = a.now().UTC()
	if err := a.objects.Copy(ctx, src.StorageKey, dst.StorageKey); err != nil {
		return domain.FileRecord{}, domain.UpstreamError("storage", err)
	}
	if err := a.store.SaveFile(dst); err != nil {
		_ = a.objects.Delete(ctx, dst.StorageKey)
		return domain.FileRecord{}, err
	}
	return dst, nil
}

// ArchiveQR sets the archived flag of the QR code and its link. Repeating it is a no-op.
func (a *App) ArchiveQR(ctx context.Context, actor Actor, id string, archived bool) (QrItem, error) {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	if qr.Archived == archived && (qr.Link == nil || qr.Link.Archived == archived) {
		return toItem(qr), nil
	}
	if err := a.store.SetArchived(qr.ID, archived); err != nil {
		return QrItem{}, err
	}
	if qr.Link != nil {
		a.invalidateLink(ctx, *qr.Link)
	}
	a.publish(ctx, events.Event{Type: events.QrArchived, QrID: qr.ID, LinkID: qr.LinkID, UserID: actor.UserID,
		Attrs: map[string]string{"archived": fmt.Sprint(archived)}})
	return a.item(qr.ID)
}

// DeleteQR removes the file (when unshared), then the link and QR code, then the cached
// link entry.
func (a *App) DeleteQR(ctx context.Context, actor Actor, id string) error {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return err
	}
	if qr.FileID != "" {
		refs, err := a.store.CountFileReferences(qr.FileID, qr.ID)
		if err != nil {
			return err
		}
		if refs == 0 {
			f, ok, err := a.store.GetFile(qr.FileID)
			if err != nil {
				return err
			}
			if ok {
				if err := a.objects.Delete(ctx, f.StorageKey); err != nil {
					return domain.UpstreamError("storage", err)
				}
				if err := a.store.DeleteFile(f.ID); err != nil {
					return err
				}
			}
		}
	}
	if err := a.store.DeleteQR(qr.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFoundError("qr")
		}
		return err
	}
	if qr.Link != nil {
		a.invalidateLink(ctx, *qr.Link)
	}
	util.LoggerFromContext(ctx).Info("qr deleted", "qr_id", qr.ID)
	a.publish(ctx, events.Event{Type: events.QrDeleted, QrID: qr.ID, LinkID: qr.LinkID, UserID: actor.UserID})
	return nil
}

// ClearAnalytics deletes the link's events upstream, then zeroes the local counters.
func (a *App) ClearAnalytics(ctx context.Context, actor Actor, id string) (QrItem, error) {
	qr, err := a.loadOwned(actor, id)
	if err != nil {
		return QrItem{}, err
	}
	if a.analytics != nil {
		if err := a.analytics.DeleteLinkEvents(ctx, qr.LinkID); err != nil {
			if domain.KindOf(err) != domain.KindUpstream {
				err = domain.UpstreamError("analytics", err)
			}
			return QrItem{}, err
		}
	}
	if err := a.store.ResetLinkStats(qr.LinkID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QrItem{}, domain.NotFoundError("link")
		}
		return QrItem{}, err
	}
	if qr.Link != nil {
		a.invalidateLink(ctx, *qr.Link)
	}
	a.publish(ctx, events.Event{Type: events.AnalyticsCleared, QrID: qr.ID, LinkID: qr.LinkID, UserID: actor.UserID})
	return a.item(qr.ID)
}

func (a *App) invalidateLink(ctx context.Context, link domain.LinkRecord) {
	if err := a.links.Invalidate(ctx, link.Domain, link.Key); err != nil {
		util.LoggerFromContext(ctx).Warn("link cache invalidate failed", "link_id", link.ID, "err", err)
	}
}

// ConsumeNewQR returns and clears the id of the QR code created during the last sign-in.
func (a *App) ConsumeNewQR(ctx context.Context, actor Actor) (string, bool, error) {
	if actor.Anonymous() {
		return "", false, ErrUnauthenticated
	}
	return a.newQR.Consume(ctx, actor.UserID)
}
