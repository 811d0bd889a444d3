package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"emissionguard/internal/model"
)

// Fixed width keeps lexical order equal to chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:emissionguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			pollutant TEXT NOT NULL,
			value REAL NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_vehicle_ts ON alerts(vehicle_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, vehicle_id, severity, pollutant, value, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID,
		alert.Timestamp.UTC().Format(sqliteTimeLayout),
		alert.VehicleID,
		string(alert.Severity),
		string(alert.Pollutant),
		alert.Value,
		alert.Message,
	)
	return err
}

func (s *sqliteStore) ListAlerts(ctx context.Context, vehicleID string, limit int) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	query := `SELECT id, ts, vehicle_id, severity, pollutant, value, message FROM alerts`
	args := []any{}
	if vehicleID != "" {
		query += ` WHERE vehicle_id = ?`
		args = append(args, vehicleID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var (
			a                       model.Alert
			ts, severity, pollutant string
		)
		if err := rows.Scan(&a.ID, &ts, &a.VehicleID, &severity, &pollutant, &a.Value, &a.Message); err != nil {
			return nil, err
		}
		a.Timestamp, err = time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, err
		}
		a.Severity = model.Severity(severity)
		a.Pollutant = model.Pollutant(pollutant)
		out = append(out, a)
	}
	return out, rows.Err()
}
