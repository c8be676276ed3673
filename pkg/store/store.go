package store

import (
	"errors"
	"time"

	"getqr/pkg/domain"
)

// ErrNotFound is returned by mutations that target a missing record.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned when a short link domain+key is already taken.
var ErrDuplicateKey = errors.New("duplicate link key")

// Store defines persistence operations for users, QR codes, links and files.
// Multi-record writes (a QR code and its link) are atomic.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// qr codes + links
	CreateQR(qr domain.QrRecord, link domain.LinkRecord) error
	UpdateQR(qr domain.QrRecord, link domain.LinkRecord) error
	GetQR(id string) (domain.QrRecord, bool, error)
	ListQRs(q domain.ListQuery) ([]domain.QrRecord, int64, error)
	SetArchived(qrID string, archived bool) error
	DeleteQR(qrID string) error
	ClaimAnonymousQRs(sessionID, userID string) (int64, error)
	CountFileReferences(fileID, excludeQrID string) (int64, error)

	GetLinkByKey(domainName, key string) (domain.LinkRecord, bool, error)
	GetQRByLinkID(linkID string) (domain.QrRecord, bool, error)
	LinkKeyExists(domainName, key string) (bool, error)
	ResetLinkStats(linkID string) error
	RecordClick(linkID string, at time.Time) error

	// files
	SaveFile(domain.FileRecord) error
	GetFile(id string) (domain.FileRecord, bool, error)
	DeleteFile(id string) error
}

// SessionStore issues and verifies login sessions.
type SessionStore interface {
	NewSession(user domain.User) (string, error)
	Verify(token string) (SessionClaims, error)
	DeleteSession(token string) error
}
