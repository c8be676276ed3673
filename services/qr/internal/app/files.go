package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	_ "golang.org/x/image/webp"

	"getqr/internal/util"
	"getqr/pkg/builder"
	"getqr/pkg/domain"
	"getqr/pkg/queue"
	"getqr/pkg/storage"
)

var allowedExtensions = map[domain.QrType][]string{
	domain.TypePDF:   {".pdf"},
	domain.TypeImage: {".png", ".jpg", ".jpeg", ".gif", ".webp"},
	domain.TypeVideo: {".mp4", ".mov", ".m4v", ".webm"},
}

// UploadInput is a single file posted to the builder's content step.
type UploadInput struct {
	Field    string
	Filename string
	Size     int64
	Body     io.Reader
}

// UploadFile stores a file for the builder's current file-backed type and starts
// processing it in the background. The returned session is in the processing state.
func (a *App) UploadFile(ctx context.Context, actor Actor, in UploadInput) (builder.UploadSession, error) {
	sid := actor.SessionID
	if a.saving.active(sid) {
		return builder.UploadSession{}, builder.ErrBusy
	}
	m, err := a.loadMachine(ctx, sid)
	if err != nil {
		return builder.UploadSession{}, err
	}
	t := m.Draft().QrType
	if m.Step() != builder.StepContent || !t.FileBacked() {
		return m.Upload(), fmt.Errorf("%w: upload outside a file content step", builder.ErrInvalidTransition)
	}
	name := cleanFileName(in.Filename)
	ext := strings.ToLower(path.Ext(name))
	if !extensionAllowed(t, ext) {
		return m.Upload(), domain.FieldError("file", "unsupported file type for "+string(t))
	}
	if in.Size > a.maxUploadBytes {
		return m.Upload(), domain.FieldError("file", "file is too large")
	}

	upload := m.Upload()
	now := a.now().UTC()
	if err := upload.Begin(in.Field, name, now); err != nil {
		return upload, err
	}
	if err := a.saveUpload(ctx, sid, upload); err != nil {
		return upload, err
	}

	fileID := util.NewID()
	key := storage.FileKey(fileID, name)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size := in.Size
	if size <= 0 {
		size = -1
	}
	body := &countingReader{r: io.LimitReader(in.Body, a.maxUploadBytes+1)}
	if err := a.objects.Put(ctx, key, body, size, contentType); err != nil {
		return a.failUpload(ctx, sid, upload, domain.UpstreamError("storage", err))
	}
	if body.n > a.maxUploadBytes {
		_ = a.objects.Delete(ctx, key)
		return a.failUpload(ctx, sid, upload, domain.FieldError("file", "file is too large"))
	}
	rec := domain.FileRecord{
		ID:          fileID,
		UserID:      actor.UserID,
		SessionID:   sid,
		StorageKey:  key,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   body.n,
		CreatedAt:   now,
	}
	if err := a.store.SaveFile(rec); err != nil {
		_ = a.objects.Delete(ctx, key)
		return a.failUpload(ctx, sid, upload, err)
	}
	if err := upload.Stored(fileID, a.now().UTC()); err != nil {
		return upload, err
	}
	superseded := upload.SupersededFileID
	upload.SupersededFileID = ""
	if err := a.saveUpload(ctx, sid, upload); err != nil {
		return upload, err
	}
	a.scheduleCleanup(ctx, superseded, queue.ReasonSuperseded)

	logger := util.LoggerFromContext(ctx).With("session_id", sid, "file_id", fileID, "qr_type", t)
	a.background.Add(1)
	go a.processUpload(logger, sid, t, rec)
	return upload, nil
}

// UploadStatus reports the builder session's upload for polling clients.
func (a *App) UploadStatus(ctx context.Context, actor Actor) (builder.UploadSession, error) {
	if actor.SessionID == "" {
		return builder.UploadSession{}, ErrNoBuilder
	}
	return a.loadUpload(ctx, actor.SessionID), nil
}

func (a *App) failUpload(ctx context.Context, sid string, u builder.UploadSession, cause error) (builder.UploadSession, error) {
	u.Fail(cause, a.now().UTC())
	if err := a.saveUpload(ctx, sid, u); err != nil {
		util.LoggerFromContext(ctx).Warn("save upload state failed", "err", err)
	}
	return u, cause
}

func (a *App) processUpload(logger *slog.Logger, sid string, t domain.QrType, rec domain.FileRecord) {
	defer a.background.Done()
	ctx, cancel := context.WithTimeout(context.Background(), a.processTimeout)
	defer cancel()
	ctx = util.ContextWithLogger(ctx, logger)

	procErr := a.processFile(ctx, t, &rec)
	upload := a.loadUpload(ctx, sid)
	if upload.FileID != rec.ID {
		// Replaced or discarded while processing.
		logger.Info("upload no longer attached to builder")
		a.scheduleCleanup(ctx, rec.ID, queue.ReasonAbandoned)
		return
	}
	now := a.now().UTC()
	if procErr != nil {
		logger.Warn("upload processing failed", "err", procErr)
		upload.Fail(procErr, now)
		if err := a.saveUpload(ctx, sid, upload); err != nil {
			logger.Error("save upload state failed", "err", err)
		}
		a.scheduleCleanup(ctx, rec.ID, queue.ReasonAbandoned)
		return
	}
	if err := upload.Ready(now); err != nil {
		logger.Warn("upload state changed during processing", "state", upload.State)
		return
	}
	if err := a.saveUpload(ctx, sid, upload); err != nil {
		logger.Error("save upload state failed", "err", err)
		return
	}
	logger.Info("upload ready", "size_bytes", rec.SizeBytes)
}

func (a *App) processFile(ctx context.Context, t domain.QrType, rec *domain.FileRecord) error {
	switch t {
	case domain.TypeImage:
		return a.processImage(ctx, rec)
	case domain.TypePDF:
		return a.checkPDF(ctx, rec)
	case domain.TypeVideo:
		return a.checkVideo(ctx, rec)
	}
	return fmt.Errorf("unsupported file type %q", t)
}

func (a *App) readObject(ctx context.Context, key string, limit int64) ([]byte, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}

// processImage validates the image and scales it down to fit maxImageSide.
func (a *App) processImage(ctx context.Context, rec *domain.FileRecord) error {
	data, err := a.readObject(ctx, rec.StorageKey, a.maxUploadBytes+1)
	if err != nil {
		return err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return errors.New("file is not a valid image")
	}
	if cfg.Width <= a.maxImageSide && cfg.Height <= a.maxImageSide {
		return nil
	}
	format, err := imaging.FormatFromFilename(rec.Name)
	if err != nil {
		// No encoder for this format (webp); keep the original.
		return nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return errors.New("file is not a valid image")
	}
	img = imaging.Fit(img, a.maxImageSide, a.maxImageSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	size := int64(buf.Len())
	if err := a.objects.Put(ctx, rec.StorageKey, &buf, size, rec.ContentType); err != nil {
		return err
	}
	rec.SizeBytes = size
	return a.store.SaveFile(*rec)
}

func (a *App) checkPDF(ctx context.Context, rec *domain.FileRecord) (err error) {
	data, err := a.readObject(ctx, rec.StorageKey, a.maxUploadBytes+1)
	if err != nil {
		return err
	}
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("file is not a valid pdf")
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.New("file is not a valid pdf")
	}
	if r.NumPage() == 0 {
		return errors.New("pdf has no pages")
	}
	return nil
}

func (a *App) checkVideo(ctx context.Context, rec *domain.FileRecord) error {
	head, err := a.readObject(ctx, rec.StorageKey, 512)
	if err != nil {
		return err
	}
	if strings.HasPrefix(http.DetectContentType(head), "video/") {
		return nil
	}
	// ISO base media (mp4, mov) starts with a size followed by "ftyp".
	if len(head) >= 12 && string(head[4:8]) == "ftyp" {
		return nil
	}
	return errors.New("file is not a supported video")
}

func extensionAllowed(t domain.QrType, ext string) bool {
	for _, e := range allowedExtensions[t] {
		if e == ext {
			return true
		}
	}
	return false
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
