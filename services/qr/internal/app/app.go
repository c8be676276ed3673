package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"getqr/internal/util"
	"getqr/pkg/analytics"
	"getqr/pkg/cache"
	"getqr/pkg/domain"
	"getqr/pkg/events"
	"getqr/pkg/queue"
	"getqr/pkg/storage"
	"getqr/pkg/store"
)

// CreateLimiter caps anonymous QR creation per client key.
type CreateLimiter interface {
	Allow(ctx context.Context, key string) (bool, int, error)
}

// FileCleaner schedules removal of stored files that no QR code references.
type FileCleaner interface {
	Enqueue(ctx context.Context, fileID, storageKey, reason string) (queue.CleanupJob, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store     store.Store
	Sessions  store.SessionStore
	Objects   storage.ObjectStore
	KV        cache.KV
	Limiter   CreateLimiter
	Cleaner   FileCleaner
	Analytics analytics.Backend
	Events    events.Publisher

	ShortDomain    string
	AppBaseURL     string
	DraftTTL       time.Duration
	LinkCacheTTL   time.Duration
	MaxUploadBytes int64
	ProcessTimeout time.Duration
	MaxImageSide   int
	Now            func() time.Time
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store     store.Store
	sessions  store.SessionStore
	objects   storage.ObjectStore
	drafts    *cache.DraftStore
	newQR     *cache.NewQRMarker
	links     *cache.LinkCache
	limiter   CreateLimiter
	cleaner   FileCleaner
	analytics analytics.Backend
	events    events.Publisher

	shortDomain    string
	appBaseURL     string
	maxUploadBytes int64
	processTimeout time.Duration
	maxImageSide   int
	now            func() time.Time

	saving     savingSessions
	background sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.KV == nil {
		return nil, errors.New("kv is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("create limiter is required")
	}
	if strings.TrimSpace(cfg.ShortDomain) == "" {
		return nil, errors.New("short domain is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}
	if cfg.MaxImageSide <= 0 {
		cfg.MaxImageSide = 2048
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		objects:        cfg.Objects,
		drafts:         cache.NewDraftStore(cfg.KV, cfg.DraftTTL),
		newQR:          cache.NewNewQRMarker(cfg.KV, cfg.DraftTTL),
		links:          cache.NewLinkCache(cfg.KV, cfg.LinkCacheTTL),
		limiter:        cfg.Limiter,
		cleaner:        cfg.Cleaner,
		analytics:      cfg.Analytics,
		events:         cfg.Events,
		shortDomain:    strings.TrimSpace(cfg.ShortDomain),
		appBaseURL:     strings.TrimRight(cfg.AppBaseURL, "/"),
		maxUploadBytes: cfg.MaxUploadBytes,
		processTimeout: cfg.ProcessTimeout,
		maxImageSide:   cfg.MaxImageSide,
		now:            cfg.Now,
	}, nil
}

// Shutdown waits for background upload processing to finish or ctx to end.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Actor is the caller of an operation. UserID is empty for anonymous visitors.
type Actor struct {
	UserID    string
	Role      domain.UserRole
	Plan      domain.Plan
	Scopes    []string
	SessionID string
	IP        string
}

func (a Actor) Anonymous() bool { return a.UserID == "" }

func (a Actor) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (a Actor) requireUser(scope string) error {
	if a.Anonymous() {
		return ErrUnauthenticated
	}
	if scope != "" && !a.HasScope(scope) {
		return domain.PermissionError("missing permission " + scope)
	}
	return nil
}

// owns reports whether the actor may change qr. Anonymous records cannot be changed.
func (a Actor) owns(qr domain.QrRecord) bool {
	if a.Anonymous() {
		return false
	}
	if a.Role == domain.RoleAdmin {
		return true
	}
	return qr.UserID != "" && qr.UserID == a.UserID
}

// canRead reports whether the actor may see qr. Anonymous records are readable by id.
func (a Actor) canRead(qr domain.QrRecord) bool {
	return qr.UserID == "" || a.owns(qr)
}

func (a *App) fileURL(fileID string) (string, error) {
	f, ok, err := a.store.GetFile(fileID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.FieldError("file", "file not found")
	}
	return a.objects.PublicURL(f.StorageKey), nil
}

func (a *App) previewURL(qrID string) string {
	return a.appBaseURL + "/v/" + qrID
}

func (a *App) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now().UTC()
	}
	if err := a.events.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "type", ev.Type, "qr_id", ev.QrID, "err", err)
	}
}

// scheduleCleanup hands an unreferenced file to the cleanup queue, or removes it inline
// when no queue is configured. Failures are logged only.
func (a *App) scheduleCleanup(ctx context.Context, fileID, reason string) {
	if fileID == "" {
		return
	}
	logger := util.LoggerFromContext(ctx)
	refs, err := a.store.CountFileReferences(fileID, "")
	if err != nil {
		logger.Warn("file reference count failed", "file_id", fileID, "err", err)
		return
	}
	if refs > 0 {
		return
	}
	f, ok, err := a.store.GetFile(fileID)
	if err != nil || !ok {
		return
	}
	if a.cleaner != nil {
		if _, err := a.cleaner.Enqueue(ctx, f.ID, f.StorageKey, reason); err != nil {
			logger.Warn("enqueue file cleanup failed", "file_id", fileID, "reason", reason, "err", err)
		}
		return
	}
	job := queue.CleanupJob{FileID: f.ID, StorageKey: f.StorageKey, Reason: reason}
	if err := a.HandleCleanup(ctx, job); err != nil {
		logger.Warn("file cleanup failed", "file_id", fileID, "reason", reason, "err", err)
	}
}

// HandleCleanup is the cleanup queue handler. Files that gained a reference since the job
// was queued are kept.
func (a *App) HandleCleanup(ctx context.Context, job queue.CleanupJob) error {
	refs, err := a.store.CountFileReferences(job.FileID, "")
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	key := job.StorageKey
	if key == "" {
		f, ok, err := a.store.GetFile(job.FileID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		key = f.StorageKey
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return a.store.DeleteFile(job.FileID)
}
