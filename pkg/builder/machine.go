// Package builder implements the three-step QR builder: choose a type, provide content,
// customize and save. A Machine is owned by one builder session and serializes its own
// transitions.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"getqr/pkg/domain"
	"getqr/pkg/qrcode"
)

type Step int

const (
	StepNone Step = iota
	StepChooseType
	StepContent
	StepCustomize
	StepSaved
)

func (s Step) String() string {
	switch s {
	case StepChooseType:
		return "choose_type"
	case StepContent:
		return "content"
	case StepCustomize:
		return "customize"
	case StepSaved:
		return "saved"
	}
	return "none"
}

type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

var (
	ErrBusy              = errors.New("builder is saving")
	ErrInvalidTransition = errors.New("invalid builder transition")
	ErrTypeLocked        = errors.New("qr type cannot change while editing")
)

// Saver persists the finished draft.
type Saver interface {
	Create(ctx context.Context, draft domain.QrDraft) (domain.QrRecord, error)
	Update(ctx context.Context, id string, draft domain.QrDraft) (domain.QrRecord, error)
}

// Machine is the builder state machine. The zero value is not usable; use New,
// NewForEdit or Restore.
type Machine struct {
	mu sync.Mutex

	step    Step
	reached Step
	mode    Mode
	qrID    string
	draft   domain.QrDraft
	pending qrcode.Content
	upload  UploadSession
	saving  bool
	fileURL qrcode.FileURLFunc

	// recordFileID is the file of the record being edited.
	recordFileID string
}

// New returns a create-mode machine that has not started yet.
func New(fileURL qrcode.FileURLFunc) *Machine {
	return &Machine{mode: ModeCreate, fileURL: fileURL, upload: UploadSession{State: UploadIdle}}
}

// NewForEdit returns an edit-mode machine pre-populated from record. The type is fixed
// and every step counts as completed. start of StepNone means StepChooseType.
func NewForEdit(record domain.QrRecord, start Step, fileURL qrcode.FileURLFunc) (*Machine, error) {
	content, err := recordContent(record)
	if err != nil {
		return nil, err
	}
	if f, ok := content.(qrcode.File); ok && f.FileID == "" {
		f.FileID = record.FileID
		content = f
	}
	if start == StepNone {
		start = StepChooseType
	}
	if start < StepChooseType || start > StepCustomize {
		return nil, fmt.Errorf("%w: start step %s", ErrInvalidTransition, start)
	}
	return &Machine{
		step:    start,
		reached: StepCustomize,
		mode:    ModeEdit,
		qrID:    record.ID,
		draft: domain.QrDraft{
			QrType:       record.QrType,
			Title:        record.Title,
			Description:  record.Description,
			Content:      record.Content,
			Styles:       record.Styles,
			FrameOptions: record.FrameOptions,
			FileID:       record.FileID,
			Data:         record.Data,
		},
		pending:      content,
		upload:       UploadSession{State: UploadIdle},
		fileURL:      fileURL,
		recordFileID: record.FileID,
	}, nil
}

// Start opens the builder at the type selection step.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepNone {
		return fmt.Errorf("%w: already started", ErrInvalidTransition)
	}
	m.step = StepChooseType
	m.reached = StepChooseType
	return nil
}

func (m *Machine) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Draft returns a copy of the accumulated draft.
func (m *Machine) Draft() domain.QrDraft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft
}

// Pending returns the step-two fields as last set, validated or not.
func (m *Machine) Pending() qrcode.Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Machine) Upload() UploadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upload
}

// SyncUpload replaces the machine's view of the attached upload.
func (m *Machine) SyncUpload(u UploadSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upload = u
}

// SelectType moves from type selection to content entry.
func (m *Machine) SelectType(t domain.QrType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepChooseType {
		return fmt.Errorf("%w: select type from %s", ErrInvalidTransition, m.step)
	}
	if _, ok := domain.ParseQrType(string(t)); !ok {
		return domain.FieldError("qrType", "unsupported qr type")
	}
	if m.mode == ModeEdit {
		if t != m.draft.QrType {
			return ErrTypeLocked
		}
		m.step = StepContent
		return nil
	}
	if t != m.draft.QrType || m.pending == nil {
		content, err := qrcode.DefaultContent(t)
		if err != nil {
			return err
		}
		m.draft = domain.QrDraft{QrType: t, Title: m.draft.Title, Description: m.draft.Description,
			Styles: m.draft.Styles, FrameOptions: m.draft.FrameOptions}
		m.pending = content
		m.reached = StepContent
	}
	m.step = StepContent
	return nil
}

// SetContent stores step-two fields without validating them. Changing content after it
// was validated requires another Continue before customizing.
func (m *Machine) SetContent(c qrcode.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepContent {
		return fmt.Errorf("%w: set content from %s", ErrInvalidTransition, m.step)
	}
	if c == nil || c.Type() != m.draft.QrType {
		return domain.FieldError("content", "content does not match qr type")
	}
	m.pending = c
	if m.mode == ModeCreate {
		m.reached = StepContent
	}
	return nil
}

// Continue validates the content and advances to customization. A nil c uses the
// content last set.
func (m *Machine) Continue(c qrcode.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepContent {
		return fmt.Errorf("%w: continue from %s", ErrInvalidTransition, m.step)
	}
	return m.advance(c)
}

func (m *Machine) advance(c qrcode.Content) error {
	if c == nil {
		c = m.pending
	}
	if c == nil || c.Type() != m.draft.QrType {
		return domain.FieldError("content", "content does not match qr type")
	}
	if m.draft.QrType.FileBacked() {
		f, err := m.attachFile(c.(qrcode.File))
		if err != nil {
			m.pending = c
			return err
		}
		c = f
	}
	if err := qrcode.Validate(c); err != nil {
		m.pending = c
		return err
	}
	c = qrcode.Normalize(c)
	payload, err := qrcode.Encode(c, m.fileURL)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	raw, err := qrcode.MarshalContent(c)
	if err != nil {
		return err
	}
	m.pending = c
	m.draft.Content = raw
	m.draft.Data = payload
	if f, ok := c.(qrcode.File); ok {
		m.draft.FileID = f.FileID
	}
	m.step = StepCustomize
	m.reached = StepCustomize
	return nil
}

// attachFile binds file content to the session's ready upload, or in edit mode to the
// record's own file when nothing new was uploaded. A fileId sent by the client is never
// trusted.
func (m *Machine) attachFile(f qrcode.File) (qrcode.File, error) {
	switch {
	case m.upload.Busy():
		return f, ErrUploadInProgress
	case m.upload.State == UploadReady && m.upload.FileID != "":
		if f.FileID != m.upload.FileID {
			f.Name = ""
		}
		f.FileID = m.upload.FileID
		if f.Name == "" {
			f.Name = m.upload.Name
		}
		return f, nil
	case m.upload.State == UploadFailed:
		return f, domain.FieldError("file", "upload failed, upload the file again")
	case m.mode == ModeEdit && m.recordFileID != "":
		if f.FileID != m.recordFileID {
			f.FileID = m.recordFileID
			f.Name = ""
		}
		return f, nil
	}
	f.FileID = ""
	return f, domain.FieldError("file", "upload a file first")
}

// Back moves one step backwards. Refused while a file is uploading or processing.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.upload.Busy() {
		return ErrUploadInProgress
	}
	switch m.step {
	case StepCustomize:
		m.step = StepContent
	case StepContent:
		m.step = StepChooseType
	default:
		return fmt.Errorf("%w: back from %s", ErrInvalidTransition, m.step)
	}
	return nil
}

// GoTo is step indicator navigation. A target may be any completed step or the step
// right after the current one; moving forward runs the same guard as the matching
// transition.
func (m *Machine) GoTo(target Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step == StepNone || target < StepChooseType || target > StepCustomize {
		return fmt.Errorf("%w: goto %s", ErrInvalidTransition, target)
	}
	switch {
	case target == m.step:
		return nil
	case target < m.step:
		if m.upload.Busy() {
			return ErrUploadInProgress
		}
		m.step = target
		return nil
	case target <= m.reached:
		if m.upload.Busy() {
			return ErrUploadInProgress
		}
		m.step = target
		return nil
	case target == m.step+1:
		if m.step == StepChooseType {
			if m.draft.QrType == "" {
				return domain.FieldError("qrType", "select a qr type first")
			}
			m.step = StepContent
			return nil
		}
		return m.advance(nil)
	}
	return fmt.Errorf("%w: goto %s from %s", ErrInvalidTransition, target, m.step)
}

// SetStyle stores the opaque style and frame options.
func (m *Machine) SetStyle(styles, frame json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepCustomize {
		return fmt.Errorf("%w: style from %s", ErrInvalidTransition, m.step)
	}
	if styles != nil {
		m.draft.Styles = styles
	}
	if frame != nil {
		m.draft.FrameOptions = frame
	}
	return nil
}

// SetTitle sets the display title and description, allowed while entering content or
// customizing.
func (m *Machine) SetTitle(title, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if m.step != StepContent && m.step != StepCustomize {
		return fmt.Errorf("%w: title from %s", ErrInvalidTransition, m.step)
	}
	if err := qrcode.ValidateDescription(description); err != nil {
		return err
	}
	m.draft.Title = strings.TrimSpace(title)
	m.draft.Description = strings.TrimSpace(description)
	return nil
}

// Save runs the terminal transition. While the saver runs every other transition fails
// with ErrBusy. On failure the machine stays on the customize step with its draft intact.
func (m *Machine) Save(ctx context.Context, saver Saver) (domain.QrRecord, error) {
	m.mu.Lock()
	if err := m.guard(); err != nil {
		m.mu.Unlock()
		return domain.QrRecord{}, err
	}
	if m.step != StepCustomize {
		m.mu.Unlock()
		return domain.QrRecord{}, fmt.Errorf("%w: save from %s", ErrInvalidTransition, m.step)
	}
	if m.upload.Busy() {
		m.mu.Unlock()
		return domain.QrRecord{}, ErrUploadInProgress
	}
	draft := m.draft
	if draft.Title == "" {
		draft.Title = draft.QrType.Placeholder()
	}
	mode, id := m.mode, m.qrID
	m.saving = true
	m.mu.Unlock()

	var (
		rec domain.QrRecord
		err error
	)
	if mode == ModeEdit {
		rec, err = saver.Update(ctx, id, draft)
	} else {
		rec, err = saver.Create(ctx, draft)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.saving = false
	if err != nil {
		return domain.QrRecord{}, err
	}
	m.draft.Title = draft.Title
	m.qrID = rec.ID
	m.step = StepSaved
	return rec, nil
}

// QrID is the id of the record being edited or the one created by Save.
func (m *Machine) QrID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qrID
}

func (m *Machine) guard() error {
	if m.saving {
		return ErrBusy
	}
	if m.step == StepSaved {
		return fmt.Errorf("%w: builder already saved", ErrInvalidTransition)
	}
	return nil
}

// Snapshot is the serialized form of a Machine kept in the draft store.
type Snapshot struct {
	Step    Step            `json:"step"`
	Reached Step            `json:"reached"`
	Mode    Mode            `json:"mode"`
	QrID    string          `json:"qrId,omitempty"`
	Draft   domain.QrDraft  `json:"draft"`
	Pending json.RawMessage `json:"pending,omitempty"`

	RecordFileID string `json:"recordFileId,omitempty"`
}

// Snapshot captures the machine state. Uploads are tracked separately.
func (m *Machine) Snapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saving {
		return Snapshot{}, ErrBusy
	}
	pending, err := qrcode.MarshalContent(m.pending)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Step:    m.step,
		Reached: m.reached,
		Mode:    m.mode,
		QrID:    m.qrID,
		Draft:   m.draft,
		Pending: pending,

		RecordFileID: m.recordFileID,
	}, nil
}

// Restore rebuilds a machine from a snapshot.
func Restore(s Snapshot, fileURL qrcode.FileURLFunc) (*Machine, error) {
	if s.Step < StepNone || s.Step > StepSaved {
		return nil, fmt.Errorf("%w: snapshot step %d", ErrInvalidTransition, s.Step)
	}
	m := &Machine{
		step:    s.Step,
		reached: s.Reached,
		mode:    s.Mode,
		qrID:    s.QrID,
		draft:   s.Draft,
		upload:  UploadSession{State: UploadIdle},
		fileURL: fileURL,

		recordFileID: s.RecordFileID,
	}
	if m.mode == "" {
		m.mode = ModeCreate
	}
	if s.Draft.QrType != "" {
		pending, err := qrcode.ParseContent(s.Draft.QrType, s.Pending)
		if err != nil {
			return nil, err
		}
		m.pending = pending
	}
	return m, nil
}
