package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"emissionguard/internal/config"
	"emissionguard/internal/model"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestSQLiteAlertArchive(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	alerts := []model.Alert{
		{ID: "a1", Severity: model.SeverityWarning, Message: "High CO levels detected: 71.00 ppm", Timestamp: base, VehicleID: "v1", Pollutant: model.PollutantCO, Value: 71},
		{ID: "a2", Severity: model.SeverityDanger, Message: "High CO₂ levels detected: 260.00 ppm", Timestamp: base.Add(time.Minute), VehicleID: "v2", Pollutant: model.PollutantCO2, Value: 260},
		{ID: "a3", Severity: model.SeverityDanger, Message: "High CO levels detected: 85.50 ppm", Timestamp: base.Add(2 * time.Minute), VehicleID: "v1", Pollutant: model.PollutantCO, Value: 85.5},
	}
	for _, a := range alerts {
		if err := store.SaveAlert(ctx, a); err != nil {
			t.Fatalf("save %s: %v", a.ID, err)
		}
	}
	if err := store.SaveAlert(ctx, alerts[0]); err != nil {
		t.Fatalf("duplicate save must be ignored: %v", err)
	}

	all, err := store.ListAlerts(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a3" || all[2].ID != "a1" {
		t.Fatalf("list order = %+v", all)
	}
	if !all[0].Timestamp.Equal(alerts[2].Timestamp) || all[0].Value != 85.5 || all[0].Pollutant != model.PollutantCO {
		t.Fatalf("round trip = %+v", all[0])
	}

	v1, err := store.ListAlerts(ctx, "v1", 1)
	if err != nil {
		t.Fatalf("list v1: %v", err)
	}
	if len(v1) != 1 || v1[0].ID != "a3" {
		t.Fatalf("filtered list = %+v", v1)
	}
}

func TestArchiveHandlerSavesOnlyAlerts(t *testing.T) {
	store := openSQLite(t)
	archive := NewArchive(store)
	ctx := context.Background()
	alert := model.Alert{ID: "x", Severity: model.SeverityWarning, Timestamp: time.Now().UTC(), VehicleID: "v9", Pollutant: model.PollutantCO2, Value: 210}
	events := []model.Event{
		{Kind: model.EventReading, VehicleID: "v9", Reading: &model.Reading{CO: 1}},
		{Kind: model.EventAlert, VehicleID: "v9", Alert: &alert},
		{Kind: model.EventConnectivity, VehicleID: "v9"},
	}
	for _, ev := range events {
		if err := archive.Handle(ctx, ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	got, err := store.ListAlerts(ctx, "v9", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("archived = %+v", got)
	}
	if archive.Name() != "archive" {
		t.Fatalf("name = %s", archive.Name())
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(config.StorageConfig{Enabled: false})
	if store != nil || err != nil {
		t.Fatalf("disabled store = %v, %v", store, err)
	}
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"}); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("err = %v", err)
	}
}
