package health

import (
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
)

// Repository is the persistence boundary for health records, so the state
// machine stays testable without a database. store.Store implements it.
type Repository interface {
	GetHealthStatus(userID, provider string) (*models.HealthStatus, error)
	CreateHealthStatus(hs *models.HealthStatus) error
	// SaveHealthStatus applies an optimistic-concurrency update and returns
	// store.ErrStaleRecord when a concurrent writer won.
	SaveHealthStatus(hs *models.HealthStatus) error
	ListHealthStatuses() ([]models.HealthStatus, error)
	CountByStatus() (map[string]int64, error)
}
