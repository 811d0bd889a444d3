// Package storage archives raised alerts. Readings are never persisted; the
// history window lives in memory only.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"emissionguard/internal/config"
	"emissionguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	// ListAlerts returns archived alerts newest first. An empty vehicleID
	// lists every vehicle; limit <= 0 means the default of 100.
	ListAlerts(ctx context.Context, vehicleID string, limit int) ([]model.Alert, error)
}

// NewStore returns nil, nil when the archive is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// Archive adapts a Store to the event dispatcher: alert events are saved,
// everything else is ignored.
type Archive struct {
	store Store
}

func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

func (a *Archive) Name() string {
	return "archive"
}

func (a *Archive) Handle(ctx context.Context, ev model.Event) error {
	if a.store == nil || ev.Kind != model.EventAlert || ev.Alert == nil {
		return nil
	}
	return a.store.SaveAlert(ctx, *ev.Alert)
}
