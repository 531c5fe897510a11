package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"vpin_mm/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the local journal of fills and write commands.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite journal. An empty path uses the
// per-user data directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		dbPath = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.ExecutionRecord{}, &domain.CommandRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "VpinMM", "data", "journal.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Execution Operations
// ======================================================================================

// SaveExecution appends one fill.
func (s *Storage) SaveExecution(rec *domain.ExecutionRecord) error {
	return s.db.Create(rec).Error
}

// OnExecution implements domain.ExecutionHandler. It runs on the sequencer
// goroutine, so failures are logged rather than returned.
func (s *Storage) OnExecution(rec domain.ExecutionRecord) {
	if err := s.SaveExecution(&rec); err != nil {
		slog.Error("Failed to journal execution",
			slog.String("orderID", rec.OrderID),
			slog.Any("error", err))
	}
}

// RecentExecutions returns the newest fills of symbol, newest first.
func (s *Storage) RecentExecutions(symbol string, limit int) ([]domain.ExecutionRecord, error) {
	var recs []domain.ExecutionRecord
	err := s.db.Where("symbol = ?", symbol).
		Order("executed_at desc").Order("id desc").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// ======================================================================================
// Command Operations
// ======================================================================================

// RecordCommand creates or replaces the journal row of a token.
func (s *Storage) RecordCommand(rec *domain.CommandRecord) error {
	return s.db.Save(rec).Error
}

// UpdateCommandStatus sets the outcome of a journaled command.
func (s *Storage) UpdateCommandStatus(clOrdID, status, errMsg string) error {
	res := s.db.Model(&domain.CommandRecord{}).
		Where("cl_ord_id = ?", clOrdID).
		Updates(map[string]any{"status": status, "error": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("command %s: %w", clOrdID, gorm.ErrRecordNotFound)
	}
	return nil
}

// GetCommand retrieves a command by token
func (s *Storage) GetCommand(clOrdID string) (*domain.CommandRecord, error) {
	var rec domain.CommandRecord
	err := s.db.First(&rec, "cl_ord_id = ?", clOrdID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PendingCommands lists commands whose outcome was never recorded, e.g.
// because the process died mid-request.
func (s *Storage) PendingCommands() ([]domain.CommandRecord, error) {
	var recs []domain.CommandRecord
	err := s.db.Where("status = ?", domain.CommandSent).Order("created_at").Find(&recs).Error
	return recs, err
}

var (
	_ domain.ExecutionHandler = (*Storage)(nil)
	_ domain.CommandJournal   = (*Storage)(nil)
)
