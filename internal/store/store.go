package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the gorm-backed persistence layer for health records and the
// reference credential store implementation.
type Store struct {
	db *gorm.DB
}

// Ensure Store satisfies the credential store contract at compile time
var _ core.CredentialStore = (*Store)(nil)

// New opens the database and migrates the engine's tables.
func New(driver, dsn string) (*Store, error) {
	dialector, err := GetDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.HealthStatus{},
		&models.Credential{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Health status operations

// GetHealthStatus returns the health record for a (user, provider) pair.
func (s *Store) GetHealthStatus(userID, provider string) (*models.HealthStatus, error) {
	var hs models.HealthStatus
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&hs).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &hs, nil
}

// CreateHealthStatus inserts a new health record. A unique-index conflict
// maps to ErrDuplicateRecord so GetOrCreate can re-read instead of failing.
func (s *Store) CreateHealthStatus(hs *models.HealthStatus) error {
	if err := s.db.Create(hs).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return ErrDuplicateRecord
		}
		return err
	}
	return nil
}

// SaveHealthStatus persists a mutated health record with optimistic
// concurrency: the update only applies if the stored version still matches
// the version the caller read. On conflict it returns ErrStaleRecord.
func (s *Store) SaveHealthStatus(hs *models.HealthStatus) error {
	readVersion := hs.Version
	hs.Version++

	res := s.db.Model(&models.HealthStatus{}).
		Where("id = ? AND version = ?", hs.ID, readVersion).
		Updates(map[string]any{
			"status":                        hs.Status,
			"consolidated_status":           hs.ConsolidatedStatus,
			"consecutive_failures":          hs.ConsecutiveFailures,
			"requires_reconnection":         hs.RequiresReconnection,
			"last_error_kind":               hs.LastErrorKind,
			"last_error_message":            hs.LastErrorMessage,
			"token_expires_at":              hs.TokenExpiresAt,
			"last_successful_operation_at":  hs.LastSuccessfulOperationAt,
			"version":                       hs.Version,
			"updated_at":                    time.Now(),
		})
	if res.Error != nil {
		hs.Version = readVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		hs.Version = readVersion
		return ErrStaleRecord
	}
	return nil
}

// ListHealthStatuses returns every health record, for reconcile scans.
func (s *Store) ListHealthStatuses() ([]models.HealthStatus, error) {
	var statuses []models.HealthStatus
	if err := s.db.Order("provider, user_id").Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

// ListHealthStatusesByProvider returns health records for one provider.
func (s *Store) ListHealthStatusesByProvider(provider string) ([]models.HealthStatus, error) {
	var statuses []models.HealthStatus
	err := s.db.Where("provider = ?", provider).Order("user_id").Find(&statuses).Error
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// CountByStatus returns connection counts grouped by status, for gauges.
func (s *Store) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.Model(&models.HealthStatus{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Credential operations (reference core.CredentialStore implementation;
// in production the account subsystem owns this data)

// GetCredential returns the credential for a (user, provider) pair.
func (s *Store) GetCredential(
	ctx context.Context,
	userID, provider string,
) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// SaveCredential upserts the credential row.
func (s *Store) SaveCredential(ctx context.Context, cred *models.Credential) error {
	return s.db.WithContext(ctx).Save(cred).Error
}

// ListCredentialsExpiringWithin returns credentials for the provider whose
// token expires inside the window or has already expired.
func (s *Store) ListCredentialsExpiringWithin(
	ctx context.Context,
	provider string,
	window time.Duration,
) ([]models.Credential, error) {
	var creds []models.Credential
	cutoff := time.Now().Add(window)
	err := s.db.WithContext(ctx).
		Where("provider = ? AND expires_at IS NOT NULL AND expires_at < ?", provider, cutoff).
		Order("expires_at").
		Find(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Health checks the database connection
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// DB returns the underlying GORM database connection (for transactions)
func (s *Store) DB() *gorm.DB {
	return s.db
}

// isUniqueViolation matches unique-constraint errors across sqlite and
// postgres, which gorm does not always translate to ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
