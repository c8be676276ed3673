package app

import (
	"context"
	"encoding/json"
	"sync"

	"getqr/internal/util"
	"getqr/pkg/builder"
	"getqr/pkg/domain"
	"getqr/pkg/qrcode"
	"getqr/pkg/queue"
)

const uploadDraftKey = "upload"

// BuilderView is what the client renders for the current builder session.
type BuilderView struct {
	Step     builder.Step          `json:"step"`
	StepName string                `json:"stepName"`
	Reached  builder.Step          `json:"reached"`
	Mode     builder.Mode          `json:"mode"`
	QrID     string                `json:"qrId,omitempty"`
	Draft    domain.QrDraft        `json:"draft"`
	Content  json.RawMessage       `json:"content,omitempty"`
	Upload   builder.UploadSession `json:"upload"`
}

// StartInput opens a builder. EditQrID switches to edit mode, optionally at Step.
type StartInput struct {
	EditQrID string       `json:"editQrId,omitempty"`
	Step     builder.Step `json:"step,omitempty"`
}

// savingSessions marks builder sessions with a save in flight on this instance.
type savingSessions struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *savingSessions) begin(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if _, ok := s.ids[sid]; ok {
		return false
	}
	s.ids[sid] = struct{}{}
	return true
}

func (s *savingSessions) end(sid string) {
	s.mu.Lock()
	delete(s.ids, sid)
	s.mu.Unlock()
}

func (s *savingSessions) active(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[sid]
	return ok
}

// appSaver persists builder drafts through the regular QR lifecycle.
type appSaver struct {
	app   *App
	actor Actor
}

func (a *App) saverFor(actor Actor) builder.Saver {
	return appSaver{app: a, actor: actor}
}

func (s appSaver) Create(ctx context.Context, d domain.QrDraft) (domain.QrRecord, error) {
	it, err := s.app.CreateQR(ctx, s.actor, d)
	return it.QrRecord, err
}

func (s appSaver) Update(ctx context.Context, id string, d domain.QrDraft) (domain.QrRecord, error) {
	it, err := s.app.ReplaceQR(ctx, s.actor, id, d)
	return it.QrRecord, err
}

func (a *App) loadMachine(ctx context.Context, sid string) (*builder.Machine, error) {
	if sid == "" {
		return nil, ErrNoBuilder
	}
	var snap builder.Snapshot
	ok, err := a.drafts.Load(ctx, sid, "", &snap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoBuilder
	}
	m, err := builder.Restore(snap, a.fileURL)
	if err != nil {
		return nil, err
	}
	m.SyncUpload(a.loadUpload(ctx, sid))
	return m, nil
}

func (a *App) loadUpload(ctx context.Context, sid string) builder.UploadSession {
	u := builder.UploadSession{State: builder.UploadIdle}
	if _, err := a.drafts.Load(ctx, sid, uploadDraftKey, &u); err != nil {
		util.LoggerFromContext(ctx).Warn("load upload state failed", "err", err)
	}
	return u
}

func (a *App) saveUpload(ctx context.Context, sid string, u builder.UploadSession) error {
	return a.drafts.Save(ctx, sid, uploadDraftKey, u)
}

func (a *App) persist(ctx context.Context, sid string, m *builder.Machine) (BuilderView, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return BuilderView{}, err
	}
	if err := a.drafts.Save(ctx, sid, "", snap); err != nil {
		return BuilderView{}, err
	}
	return BuilderView{
		Step:     snap.Step,
		StepName: snap.Step.String(),
		Reached:  snap.Reached,
		Mode:     snap.Mode,
		QrID:     snap.QrID,
		Draft:    snap.Draft,
		Content:  snap.Pending,
		Upload:   m.Upload(),
	}, nil
}

// withBuilder runs fn on the session's machine and stores the result, including after
// a failed transition so entered fields survive.
func (a *App) withBuilder(ctx context.Context, actor Actor, fn func(m *builder.Machine) error) (BuilderView, error) {
	if a.saving.active(actor.SessionID) {
		return BuilderView{}, builder.ErrBusy
	}
	m, err := a.loadMachine(ctx, actor.SessionID)
	if err != nil {
		return BuilderView{}, err
	}
	fnErr := fn(m)
	view, err := a.persist(ctx, actor.SessionID, m)
	if fnErr != nil {
		return view, fnErr
	}
	return view, err
}

// StartBuilder opens a fresh builder session, replacing any previous one.
func (a *App) StartBuilder(ctx context.Context, actor Actor, in StartInput) (BuilderView, error) {
	if actor.SessionID == "" {
		return BuilderView{}, ErrNoBuilder
	}
	if a.saving.active(actor.SessionID) {
		return BuilderView{}, builder.ErrBusy
	}
	var m *builder.Machine
	if in.EditQrID != "" {
		qr, err := a.loadOwned(actor, in.EditQrID)
		if err != nil {
			return BuilderView{}, err
		}
		m, err = builder.NewForEdit(qr, in.Step, a.fileURL)
		if err != nil {
			return BuilderView{}, err
		}
	} else {
		m = builder.New(a.fileURL)
		if err := m.Start(); err != nil {
			return BuilderView{}, err
		}
	}
	a.releaseUpload(ctx, actor.SessionID)
	return a.persist(ctx, actor.SessionID, m)
}

// CurrentBuilder resumes the stored session.
func (a *App) CurrentBuilder(ctx context.Context, actor Actor) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(*builder.Machine) error { return nil })
}

func (a *App) BuilderSelectType(ctx context.Context, actor Actor, t domain.QrType) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error { return m.SelectType(t) })
}

func (a *App) BuilderSetContent(ctx context.Context, actor Actor, raw json.RawMessage) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error {
		c, err := parseBuilderContent(m, raw)
		if err != nil {
			return err
		}
		return m.SetContent(c)
	})
}

// BuilderContinue validates content (or the content last set when raw is empty) and
// moves to customization.
func (a *App) BuilderContinue(ctx context.Context, actor Actor, raw json.RawMessage) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error {
		var c qrcode.Content
		if len(raw) > 0 {
			var err error
			if c, err = parseBuilderContent(m, raw); err != nil {
				return err
			}
		}
		return m.Continue(c)
	})
}

func (a *App) BuilderBack(ctx context.Context, actor Actor) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error { return m.Back() })
}

// BuilderGoTo is step indicator navigation. raw, when given on the content step, is
// stored before moving.
func (a *App) BuilderGoTo(ctx context.Context, actor Actor, step builder.Step, raw json.RawMessage) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error {
		if len(raw) > 0 && m.Step() == builder.StepContent {
			c, err := parseBuilderContent(m, raw)
			if err != nil {
				return err
			}
			if err := m.SetContent(c); err != nil {
				return err
			}
		}
		return m.GoTo(step)
	})
}

func (a *App) BuilderStyle(ctx context.Context, actor Actor, styles, frame json.RawMessage) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error { return m.SetStyle(styles, frame) })
}

func (a *App) BuilderTitle(ctx context.Context, actor Actor, title, description string) (BuilderView, error) {
	return a.withBuilder(ctx, actor, func(m *builder.Machine) error { return m.SetTitle(title, description) })
}

// SaveBuilder runs the terminal transition. While it runs, other transitions on the
// same session fail with builder.ErrBusy; on failure the stored session is untouched.
func (a *App) SaveBuilder(ctx context.Context, actor Actor) (QrItem, error) {
	sid := actor.SessionID
	if sid == "" {
		return QrItem{}, ErrNoBuilder
	}
	if !a.saving.begin(sid) {
		return QrItem{}, builder.ErrBusy
	}
	defer a.saving.end(sid)
	m, err := a.loadMachine(ctx, sid)
	if err != nil {
		return QrItem{}, err
	}
	rec, err := m.Save(ctx, a.saverFor(actor))
	if err != nil {
		return QrItem{}, err
	}
	if err := a.drafts.Delete(ctx, sid, uploadDraftKey); err != nil {
		util.LoggerFromContext(ctx).Warn("delete builder draft failed", "err", err)
	}
	return a.item(rec.ID)
}

// DiscardBuilder drops the session and schedules cleanup of an unused upload.
func (a *App) DiscardBuilder(ctx context.Context, actor Actor) error {
	if actor.SessionID == "" {
		return nil
	}
	if a.saving.active(actor.SessionID) {
		return builder.ErrBusy
	}
	a.releaseUpload(ctx, actor.SessionID)
	return a.drafts.Delete(ctx, actor.SessionID)
}

// releaseUpload forgets the session's upload; its files are cleaned up when no QR code
// references them.
func (a *App) releaseUpload(ctx context.Context, sid string) {
	u := a.loadUpload(ctx, sid)
	if err := a.drafts.Delete(ctx, sid, uploadDraftKey); err != nil {
		util.LoggerFromContext(ctx).Warn("delete upload state failed", "err", err)
	}
	a.scheduleCleanup(ctx, u.FileID, queue.ReasonAbandoned)
	a.scheduleCleanup(ctx, u.SupersededFileID, queue.ReasonAbandoned)
}

func parseBuilderContent(m *builder.Machine, raw json.RawMessage) (qrcode.Content, error) {
	t := m.Draft().QrType
	if t == "" {
		return nil, domain.FieldError("qrType", "select a qr type first")
	}
	c, err := qrcode.ParseContent(t, raw)
	if err != nil {
		return nil, domain.FieldError("content", err.Error())
	}
	return c, nil
}
