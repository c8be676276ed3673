package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Email        string    `gorm:"uniqueIndex;size:255;not null"`
	Name         string    `gorm:"size:255"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"size:16;not null"`
	Plan         string    `gorm:"size:16;not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type LinkModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Domain      string `gorm:"size:190;not null;uniqueIndex:idx_link_domain_key"`
	Key         string `gorm:"size:64;not null;uniqueIndex:idx_link_domain_key"`
	URL         string `gorm:"type:text;not null"`
	UserID      string `gorm:"size:64;index"`
	Archived    bool   `gorm:"not null;default:false"`
	Clicks      int64  `gorm:"not null;default:0"`
	Leads       int64  `gorm:"not null;default:0"`
	Sales       int64  `gorm:"not null;default:0"`
	SaleAmount  int64  `gorm:"not null;default:0"`
	LastClicked *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type FileModel struct {
	ID          string    `gorm:"primaryKey;size:64"`
	UserID      string    `gorm:"size:64;index"`
	SessionID   string    `gorm:"size:64"`
	StorageKey  string    `gorm:"type:text;not null"`
	Name        string    `gorm:"size:255;not null"`
	ContentType string    `gorm:"size:128"`
	SizeBytes   int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

type QrModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       string `gorm:"size:64;index"`
	SessionID    string `gorm:"size:64;index"`
	Title        string `gorm:"size:255;not null"`
	Description  string `gorm:"size:1200"`
	QrType       string `gorm:"size:16;not null"`
	Data         string `gorm:"type:text;not null"`
	Content      datatypes.JSON
	Styles       datatypes.JSON
	FrameOptions datatypes.JSON
	FileID       string    `gorm:"size:64;index"`
	LinkID       string    `gorm:"size:64;uniqueIndex;not null"`
	Archived     bool      `gorm:"not null;default:false;index"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`

	Link LinkModel  `gorm:"foreignKey:LinkID"`
	File *FileModel `gorm:"foreignKey:FileID"`
	User *UserModel `gorm:"foreignKey:UserID"`
}
