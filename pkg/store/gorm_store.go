package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"getqr/pkg/domain"
)

const migrateLockID int64 = 51271127

const mysqlMigrateLock = "getqr_migrate"

// GormStore implements Store using GORM on Postgres or MySQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB for driver ("postgres" or "mysql") and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLog,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &LinkModel{}, &FileModel{}, &QrModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	lock, unlock := "SELECT pg_advisory_lock($1)", "SELECT pg_advisory_unlock($1)"
	var lockArg any = migrateLockID
	if db.Dialector.Name() == "mysql" {
		lock, unlock = "SELECT GET_LOCK(?, 30)", "SELECT RELEASE_LOCK(?)"
		lockArg = mysqlMigrateLock
	}
	if err := execAdvisory(ctx, conn, lock, lockArg); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, unlock, lockArg)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, arg any) error {
	_, err := conn.ExecContext(ctx, query, arg)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "plan", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateQR inserts the link and the QR code in one transaction.
func (s *GormStore) CreateQR(qr domain.QrRecord, link domain.LinkRecord) error {
	linkModel := linkToModel(link)
	qrModel := qrToModel(qr)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&linkModel).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create link: %w", err)
		}
		if err := tx.Omit(clause.Associations).Create(&qrModel).Error; err != nil {
			return fmt.Errorf("create qr: %w", err)
		}
		return nil
	})
}

// UpdateQR rewrites the QR code and its link in one transaction.
func (s *GormStore) UpdateQR(qr domain.QrRecord, link domain.LinkRecord) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&QrModel{}).Where("id = ?", qr.ID).Updates(map[string]any{
			"title":         qr.Title,
			"description":   qr.Description,
			"data":          qr.Data,
			"content":       datatypes.JSON(qr.Content),
			"styles":        datatypes.JSON(qr.Styles),
			"frame_options": datatypes.JSON(qr.FrameOptions),
			"file_id":       qr.FileID,
			"user_id":       qr.UserID,
			"archived":      qr.Archived,
			"updated_at":    now,
		})
		if res.Error != nil {
			return fmt.Errorf("update qr: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&LinkModel{}).Where("id = ?", link.ID).Updates(map[string]any{
			"url":        link.URL,
			"user_id":    link.UserID,
			"archived":   link.Archived,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("update link: %w", err)
		}
		return nil
	})
}

// GetQR returns a QR code with its link, file and owner.
func (s *GormStore) GetQR(id string) (domain.QrRecord, bool, error) {
	return s.getQR("qr_models.id = ?", id)
}

// GetQRByLinkID returns the QR code paired with a link.
func (s *GormStore) GetQRByLinkID(linkID string) (domain.QrRecord, bool, error) {
	return s.getQR("qr_models.link_id = ?", linkID)
}

func (s *GormStore) getQR(cond string, arg string) (domain.QrRecord, bool, error) {
	var model QrModel
	err := s.db.Joins("Link").Preload("File").Preload("User").Where(cond, arg).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QrRecord{}, false, nil
		}
		return domain.QrRecord{}, false, err
	}
	return qrFromModel(model), true, nil
}

// ListQRs returns one page of QR codes and the total number of matches.
func (s *GormStore) ListQRs(q domain.ListQuery) ([]domain.QrRecord, int64, error) {
	q = q.Normalize()
	filter := func(tx *gorm.DB) *gorm.DB {
		if q.UserID != "" {
			tx = tx.Where("qr_models.user_id = ?", q.UserID)
		}
		switch {
		case q.OnlyArchived:
			tx = tx.Where("qr_models.archived = ?", true)
		case !q.IncludeArchived:
			tx = tx.Where("qr_models.archived = ?", false)
		}
		if search := strings.TrimSpace(q.Search); search != "" {
			like := "%" + escapeLike(search) + "%"
			tx = tx.Where("(qr_models.title LIKE ? OR qr_models.data LIKE ?)", like, like)
		}
		return tx
	}
	var total int64
	if err := filter(s.db.Model(&QrModel{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	order := clause.OrderByColumn{Desc: q.SortOrder == "desc"}
	switch q.SortBy {
	case "clicks":
		order.Column = clause.Column{Table: "Link", Name: "clicks"}
	case "title":
		order.Column = clause.Column{Table: clause.CurrentTable, Name: "title"}
	case "updatedAt":
		order.Column = clause.Column{Table: clause.CurrentTable, Name: "updated_at"}
	default:
		order.Column = clause.Column{Table: clause.CurrentTable, Name: "created_at"}
	}
	var models []QrModel
	err := filter(s.db.Joins("Link").Preload("File")).
		Order(order).
		Order(clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: "id"}}).
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}
	out := make([]domain.QrRecord, 0, len(models))
	for _, m := range models {
		out = append(out, qrFromModel(m))
	}
	return out, total, nil
}

// SetArchived flips the archive flag of a QR code and its link together.
func (s *GormStore) SetArchived(qrID string, archived bool) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model QrModel
		if err := tx.Select("id", "link_id").First(&model, "id = ?", qrID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Model(&QrModel{}).Where("id = ?", qrID).
			Updates(map[string]any{"archived": archived, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&LinkModel{}).Where("id = ?", model.LinkID).
			Updates(map[string]any{"archived": archived, "updated_at": now}).Error
	})
}

// DeleteQR removes the link and then the QR code in one transaction.
func (s *GormStore) DeleteQR(qrID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model QrModel
		if err := tx.Select("id", "link_id").First(&model, "id = ?", qrID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&LinkModel{}, "id = ?", model.LinkID).Error; err != nil {
			return err
		}
		return tx.Delete(&QrModel{}, "id = ?", qrID).Error
	})
}

// ClaimAnonymousQRs assigns QR codes created anonymously in sessionID to userID.
func (s *GormStore) ClaimAnonymousQRs(sessionID, userID string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, nil
	}
	var claimed int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var linkIDs []string
		if err := tx.Model(&QrModel{}).
			Where("session_id = ? AND user_id = ?", sessionID, "").
			Pluck("link_id", &linkIDs).Error; err != nil {
			return err
		}
		if len(linkIDs) == 0 {
			return nil
		}
		res := tx.Model(&QrModel{}).
			Where("session_id = ? AND user_id = ?", sessionID, "").
			Updates(map[string]any{"user_id": userID, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected
		return tx.Model(&LinkModel{}).Where("id IN ?", linkIDs).Update("user_id", userID).Error
	})
	return claimed, err
}

// CountFileReferences counts QR codes other than excludeQrID that use fileID.
func (s *GormStore) CountFileReferences(fileID, excludeQrID string) (int64, error) {
	var count int64
	tx := s.db.Model(&QrModel{}).Where("file_id = ?", fileID)
	if excludeQrID != "" {
		tx = tx.Where("id <> ?", excludeQrID)
	}
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// GetLinkByKey resolves a short link.
func (s *GormStore) GetLinkByKey(domainName, key string) (domain.LinkRecord, bool, error) {
	var model LinkModel
	if domainName == "" || key == "" {
		return domain.LinkRecord{}, false, nil
	}
	if err := s.db.Where(&LinkModel{Domain: domainName, Key: key}).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LinkRecord{}, false, nil
		}
		return domain.LinkRecord{}, false, err
	}
	return linkFromModel(model), true, nil
}

// LinkKeyExists reports whether domain+key is taken.
func (s *GormStore) LinkKeyExists(domainName, key string) (bool, error) {
	var count int64
	if err := s.db.Model(&LinkModel{}).Where(&LinkModel{Domain: domainName, Key: key}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ResetLinkStats zeroes the counters of a link.
func (s *GormStore) ResetLinkStats(linkID string) error {
	res := s.db.Model(&LinkModel{}).Where("id = ?", linkID).Updates(map[string]any{
		"clicks":       0,
		"leads":        0,
		"sales":        0,
		"sale_amount":  0,
		"last_clicked": nil,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordClick increments the click counter.
func (s *GormStore) RecordClick(linkID string, at time.Time) error {
	return s.db.Model(&LinkModel{}).Where("id = ?", linkID).Updates(map[string]any{
		"clicks":       gorm.Expr("clicks + ?", 1),
		"last_clicked": at.UTC(),
	}).Error
}

// SaveFile stores file metadata.
func (s *GormStore) SaveFile(f domain.FileRecord) error {
	model := fileToModel(f)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "storage_key", "name", "content_type", "size_bytes"}),
	}).Create(&model).Error
}

// GetFile returns file metadata.
func (s *GormStore) GetFile(id string) (domain.FileRecord, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	return fileFromModel(model), true, nil
}

// DeleteFile removes file metadata.
func (s *GormStore) DeleteFile(id string) error {
	return s.db.Delete(&FileModel{}, "id = ?", id).Error
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Plan:         string(u.Plan),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Plan:         domain.Plan(m.Plan),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func linkToModel(l domain.LinkRecord) LinkModel {
	return LinkModel{
		ID:          l.ID,
		Domain:      l.Domain,
		Key:         l.Key,
		URL:         l.URL,
		UserID:      l.UserID,
		Archived:    l.Archived,
		Clicks:      l.Clicks,
		Leads:       l.Leads,
		Sales:       l.Sales,
		SaleAmount:  l.SaleAmount,
		LastClicked: l.LastClicked,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func linkFromModel(m LinkModel) domain.LinkRecord {
	return domain.LinkRecord{
		ID:          m.ID,
		Domain:      m.Domain,
		Key:         m.Key,
		URL:         m.URL,
		UserID:      m.UserID,
		Archived:    m.Archived,
		Clicks:      m.Clicks,
		Leads:       m.Leads,
		Sales:       m.Sales,
		SaleAmount:  m.SaleAmount,
		LastClicked: m.LastClicked,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func fileToModel(f domain.FileRecord) FileModel {
	return FileModel{
		ID:          f.ID,
		UserID:      f.UserID,
		SessionID:   f.SessionID,
		StorageKey:  f.StorageKey,
		Name:        f.Name,
		ContentType: f.ContentType,
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
	}
}

func fileFromModel(m FileModel) domain.FileRecord {
	return domain.FileRecord{
		ID:          m.ID,
		UserID:      m.UserID,
		SessionID:   m.SessionID,
		StorageKey:  m.StorageKey,
		Name:        m.Name,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		CreatedAt:   m.CreatedAt,
	}
}

func qrToModel(q domain.QrRecord) QrModel {
	return QrModel{
		ID:           q.ID,
		UserID:       q.UserID,
		SessionID:    q.SessionID,
		Title:        q.Title,
		Description:  q.Description,
		QrType:       string(q.QrType),
		Data:         q.Data,
		Content:      datatypes.JSON(q.Content),
		Styles:       datatypes.JSON(q.Styles),
		FrameOptions: datatypes.JSON(q.FrameOptions),
		FileID:       q.FileID,
		LinkID:       q.LinkID,
		Archived:     q.Archived,
		CreatedAt:    q.CreatedAt,
		UpdatedAt:    q.UpdatedAt,
	}
}

func qrFromModel(m QrModel) domain.QrRecord {
	rec := domain.QrRecord{
		ID:           m.ID,
		UserID:       m.UserID,
		SessionID:    m.SessionID,
		Title:        m.Title,
		Description:  m.Description,
		QrType:       domain.QrType(m.QrType),
		Data:         m.Data,
		Content:      []byte(m.Content),
		Styles:       []byte(m.Styles),
		FrameOptions: []byte(m.FrameOptions),
		FileID:       m.FileID,
		LinkID:       m.LinkID,
		Archived:     m.Archived,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.Link.ID != "" {
		link := linkFromModel(m.Link)
		rec.Link = &link
	}
	if m.File != nil && m.File.ID != "" {
		file := fileFromModel(*m.File)
		rec.File = &file
	}
	if m.User != nil && m.User.ID != "" {
		user := userFromModel(*m.User)
		rec.User = &user
	}
	return rec
}
