package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"emissionguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/emissionguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			vehicle_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			pollutant TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
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

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, vehicle_id, severity, pollutant, value, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID,
		alert.Timestamp.UTC(),
		alert.VehicleID,
		string(alert.Severity),
		string(alert.Pollutant),
		alert.Value,
		alert.Message,
	)
	return err
}

func (s *postgresStore) ListAlerts(ctx context.Context, vehicleID string, limit int) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	query := `SELECT id, ts, vehicle_id, severity, pollutant, value, message FROM alerts`
	args := []any{}
	if vehicleID != "" {
		args = append(args, vehicleID)
		query += fmt.Sprintf(` WHERE vehicle_id = $%d`, len(args))
	}
	args = append(args, normalizeLimit(limit))
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var (
			a                   model.Alert
			severity, pollutant string
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.VehicleID, &severity, &pollutant, &a.Value, &a.Message); err != nil {
			return nil, err
		}
		a.Timestamp = a.Timestamp.UTC()
		a.Severity = model.Severity(severity)
		a.Pollutant = model.Pollutant(pollutant)
		out = append(out, a)
	}
	return out, rows.Err()
}
