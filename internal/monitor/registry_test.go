package monitor

import (
	"errors"
	"testing"
	"time"

	"emissionguard/internal/livefeed"
	"emissionguard/internal/livefeed/livefeedtest"
	"emissionguard/internal/model"
)

func TestRegistryLifecycle(t *testing.T) {
	cfg := testConfig()
	src := livefeedtest.NewSource()
	reg := NewRegistry(cfg, WithSource(src))
	defer reg.StopAll()

	if _, err := reg.Start("  "); !errors.Is(err, ErrEmptyVehicle) {
		t.Fatalf("empty id err = %v", err)
	}
	started, err := reg.Start("van-2")
	if err != nil || !started {
		t.Fatalf("start van-2: %v %v", started, err)
	}
	if started, _ := reg.Start("van-2"); started {
		t.Fatalf("second start reported a new session")
	}
	if _, err := reg.Start("car-1"); err != nil {
		t.Fatalf("start car-1: %v", err)
	}
	ids := reg.Vehicles()
	if len(ids) != 2 || ids[0] != "car-1" || ids[1] != "van-2" {
		t.Fatalf("vehicles = %v", ids)
	}
	snap, ok := reg.Get("van-2")
	if !ok || !snap.Monitoring || snap.VehicleID != "van-2" || len(snap.History) != 12 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := reg.Get("bus-9"); ok {
		t.Fatalf("unknown vehicle found")
	}
	if err := reg.Stop("bus-9"); !errors.Is(err, ErrNotMonitored) {
		t.Fatalf("stop unknown err = %v", err)
	}

	waitFor(t, "subscriptions", func() bool { return src.Active("") == 4 })
	if err := reg.Stop("van-2"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.Active("") != 2 || len(reg.List()) != 1 {
		t.Fatalf("active=%d list=%d", src.Active(""), len(reg.List()))
	}
	reg.StopAll()
	if src.Active("") != 0 || len(reg.Vehicles()) != 0 {
		t.Fatalf("StopAll left sessions behind")
	}
}

func TestRegistryVehiclesAreIsolated(t *testing.T) {
	cfg := testConfig()
	src := livefeedtest.NewSource()
	reg := NewRegistry(cfg, WithSource(src))
	defer reg.StopAll()

	reg.Start("a")
	reg.Start("b")
	waitFor(t, "subscriptions", func() bool { return src.Active("") == 4 })
	src.Emit(livefeed.BuildPaths(cfg.Live.TopicTemplate, "a").CO, 90)

	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	if !a.Connected || len(a.Alerts) != 1 {
		t.Fatalf("vehicle a = %+v", a)
	}
	if b.Connected || len(b.Alerts) != 0 {
		t.Fatalf("vehicle b affected by a: %+v", b)
	}
}

func TestRegistryUpdateConfig(t *testing.T) {
	cfg := testConfig()
	src := livefeedtest.NewSource()
	reg := NewRegistry(cfg, WithSource(src))
	defer reg.StopAll()
	reg.Start("a")
	waitFor(t, "subscriptions", func() bool { return src.Active("") == 2 })

	next := testConfig()
	next.Alerts.COWarn = 40
	next.Alerts.CODanger = 60
	reg.UpdateConfig(next)
	src.Emit(livefeed.BuildPaths(cfg.Live.TopicTemplate, "a").CO, 45)
	snap, _ := reg.Get("a")
	if len(snap.Alerts) != 1 || snap.Alerts[0].Severity != "warning" {
		t.Fatalf("alerts = %+v", snap.Alerts)
	}

	reg.Start("b")
	waitFor(t, "subscriptions", func() bool { return src.Active("") == 4 })
	src.Emit(livefeed.BuildPaths(cfg.Live.TopicTemplate, "b").CO, 45)
	if snap, _ := reg.Get("b"); len(snap.Alerts) != 1 {
		t.Fatalf("new supervisor did not pick up updated config")
	}
}

func TestRegistryAlertsSince(t *testing.T) {
	cfg := testConfig()
	src := livefeedtest.NewSource()
	reg := NewRegistry(cfg, WithSource(src))
	defer reg.StopAll()

	if _, ok := reg.AlertsSince("van-2", time.Time{}); ok {
		t.Fatalf("alerts for unmonitored vehicle")
	}
	if _, err := reg.Start("van-2"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "live subscription", func() bool { return src.Active("") == 2 })
	paths := livefeed.BuildPaths(cfg.Live.TopicTemplate, "van-2")
	src.Emit(paths.CO2, 260)

	list, ok := reg.AlertsSince(" van-2 ", time.Now().Add(-time.Minute))
	if !ok || len(list) != 1 || list[0].Pollutant != model.PollutantCO2 {
		t.Fatalf("alerts = %+v", list)
	}
	if list, _ := reg.AlertsSince("van-2", time.Now().Add(time.Minute)); len(list) != 0 {
		t.Fatalf("future cut-off returned %d alerts", len(list))
	}
}
