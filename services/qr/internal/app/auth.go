package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"getqr/internal/util"
	"getqr/pkg/auth"
	"getqr/pkg/builder"
	"getqr/pkg/domain"
	"getqr/pkg/queue"
)

var emailValidator = validator.New()

// AuthResult is returned by signup and login. Token is the session credential.
type AuthResult struct {
	User       domain.User `json:"user"`
	Token      string      `json:"-"`
	ClaimedQRs int64       `json:"claimedQrs"`
	NewQrID    string      `json:"newQrId,omitempty"`
}

// ActorFor builds the actor for an authenticated user.
func ActorFor(user domain.User, sessionID, ip string) Actor {
	return Actor{
		UserID:    user.ID,
		Role:      user.Role,
		Plan:      user.Plan,
		Scopes:    domain.ScopesForRole(user.Role),
		SessionID: sessionID,
		IP:        ip,
	}
}

// Signup registers a user on the free plan. sessionID is the visitor's builder session;
// anonymous work under it moves to the new account.
func (a *App) Signup(ctx context.Context, email, password, name, sessionID string) (AuthResult, error) {
	email = auth.NormalizeEmail(email)
	if err := emailValidator.Var(email, "required,email"); err != nil {
		return AuthResult{}, domain.FieldError("email", "must be a valid email address")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return AuthResult{}, domain.FieldError("password", err.Error())
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return AuthResult{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return AuthResult{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Plan:         domain.PlanFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return AuthResult{}, fmt.Errorf("save user: %w", err)
	}
	return a.completeLogin(ctx, user, sessionID)
}

// Login validates credentials and issues a session.
func (a *App) Login(ctx context.Context, email, password, sessionID string) (AuthResult, error) {
	user, ok, err := a.store.GetUserByEmail(auth.NormalizeEmail(email))
	if err != nil {
		return AuthResult{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return AuthResult{}, ErrInvalidCredentials
	}
	return a.completeLogin(ctx, user, sessionID)
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	if a.sessions == nil || token == "" {
		return nil
	}
	return a.sessions.DeleteSession(token)
}

// Me returns the caller's account.
func (a *App) Me(actor Actor) (domain.User, error) {
	if err := actor.requireUser(""); err != nil {
		return domain.User{}, err
	}
	user, ok, err := a.store.GetUserByID(actor.UserID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUnauthenticated
	}
	user.PasswordHash = ""
	return user, nil
}

// ChangePassword replaces the caller's password after checking the current one.
func (a *App) ChangePassword(actor Actor, current, next string) error {
	if err := actor.requireUser(""); err != nil {
		return err
	}
	if err := auth.ValidatePassword(next); err != nil {
		return domain.FieldError("newPassword", err.Error())
	}
	user, ok, err := a.store.GetUserByID(actor.UserID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if current == next {
		return domain.FieldError("newPassword", "new password must differ from current password")
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = a.now().UTC()
	return a.store.SaveUser(user)
}

func (a *App) completeLogin(ctx context.Context, user domain.User, sessionID string) (AuthResult, error) {
	if a.sessions == nil {
		return AuthResult{}, fmt.Errorf("session store not configured")
	}
	token, err := a.sessions.NewSession(user)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue session: %w", err)
	}
	user.PasswordHash = ""
	res := AuthResult{User: user, Token: token}
	if sessionID == "" {
		return res, nil
	}
	logger := util.LoggerFromContext(ctx).With("user_id", user.ID)
	n, err := a.store.ClaimAnonymousQRs(sessionID, user.ID)
	if err != nil {
		logger.Warn("claim anonymous qr codes failed", "err", err)
	}
	res.ClaimedQRs = n
	qrID, err := a.claimDraft(ctx, ActorFor(user, sessionID, ""), sessionID)
	if err != nil {
		logger.Warn("save builder draft after login failed", "err", err)
	}
	res.NewQrID = qrID
	return res, nil
}

// claimDraft saves a builder draft left at the customize step before authentication and
// marks it for the dashboard's new QR modal. Earlier drafts stay for the user to resume.
func (a *App) claimDraft(ctx context.Context, actor Actor, sid string) (string, error) {
	var snap builder.Snapshot
	ok, err := a.drafts.Load(ctx, sid, "", &snap)
	if err != nil || !ok {
		return "", err
	}
	if snap.Mode != builder.ModeCreate || snap.Step != builder.StepCustomize {
		return "", nil
	}
	if !a.saving.begin(sid) {
		return "", builder.ErrBusy
	}
	defer a.saving.end(sid)
	m, err := builder.Restore(snap, a.fileURL)
	if err != nil {
		return "", err
	}
	upload := a.loadUpload(ctx, sid)
	m.SyncUpload(upload)
	rec, err := m.Save(ctx, a.saverFor(actor))
	if err != nil {
		return "", err
	}
	if err := a.drafts.Delete(ctx, sid, uploadDraftKey); err != nil {
		util.LoggerFromContext(ctx).Warn("delete builder draft failed", "err", err)
	}
	a.scheduleCleanup(ctx, upload.SupersededFileID, queue.ReasonAbandoned)
	if err := a.newQR.Set(ctx, actor.UserID, rec.ID); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}
