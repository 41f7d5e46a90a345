package bootstrap

import (
	"fmt"
	"log"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

// initializeDatabase creates and initializes the database connection
func initializeDatabase(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Printf("Database initialized (driver: %s)", cfg.DatabaseDriver)
	return db, nil
}
