package livefeed_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"emissionguard/internal/livefeed"
	"emissionguard/internal/livefeed/livefeedtest"
	"emissionguard/internal/model"
)

func TestParseValue(t *testing.T) {
	cases := []struct {
		payload string
		want    float64
		ok      bool
	}{
		{"45.2", 45.2, true},
		{"  12 \n", 12, true},
		{`"33.5"`, 33.5, true},
		{`{"value": 71.25, "timestamp": "2026-10-15T10:00:00Z"}`, 71.25, true},
		{`{"val": "88"}`, 88, true},
		{`{"reading": 0}`, 0, true},
		{"null", 0, false},
		{"", 0, false},
		{"undefined", 0, false},
		{"abc", 0, false},
		{`{"value": null}`, 0, false},
		{`{"other": 5}`, 0, false},
		{"-3", 0, false},
		{"NaN", 0, false},
		{"true", 0, false},
		{"[1,2]", 0, false},
	}
	for _, tc := range cases {
		got, ok := livefeed.ParseValue([]byte(tc.payload))
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("ParseValue(%q) = %v, %v; want %v, %v", tc.payload, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBuildPaths(t *testing.T) {
	p := livefeed.BuildPaths("", "hmv-7")
	if p.CO != "vehicles/hmv-7/emissions/co" || p.CO2 != "vehicles/hmv-7/emissions/co2" {
		t.Fatalf("paths: %+v", p)
	}
	p = livefeed.BuildPaths("fleet/{vehicle}/{pollutant}", "a/b+#")
	if p.CO != "fleet/a_b__/co" {
		t.Fatalf("segment not sanitised: %s", p.CO)
	}
	if got := livefeed.TopicName("/vehicles/v1/emissions/co2"); got != "vehicles.v1.emissions.co2" {
		t.Fatalf("topic name: %s", got)
	}
}

type collector struct {
	mu       sync.Mutex
	readings []model.Reading
	errs     []error
}

func (c *collector) onReading(r model.Reading) {
	c.mu.Lock()
	c.readings = append(c.readings, r)
	c.mu.Unlock()
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func TestFeedLastKnownValueJoin(t *testing.T) {
	src := livefeedtest.NewSource()
	paths := livefeed.BuildPaths("", "v1")
	c := &collector{}
	feed, err := livefeed.OpenFeed(context.Background(), src, paths, c.onReading, c.onError)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src.Emit(paths.CO, 45)
	src.Emit(paths.CO2, 130)
	src.Emit(paths.CO, 47)
	src.EmitRaw(paths.CO2, []byte("null"))

	if len(c.readings) != 3 {
		t.Fatalf("readings = %d", len(c.readings))
	}
	want := [][2]float64{{45, 0}, {45, 130}, {47, 130}}
	for i, w := range want {
		r := c.readings[i]
		if r.CO != w[0] || r.CO2 != w[1] || r.Source != model.SourceLive {
			t.Fatalf("reading %d = %+v, want co=%v co2=%v", i, r, w[0], w[1])
		}
	}
	if err := feed.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := feed.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if src.Active("") != 0 || src.Released() != 2 {
		t.Fatalf("active=%d released=%d", src.Active(""), src.Released())
	}
	if n := src.Emit(paths.CO, 99); n != 0 {
		t.Fatalf("released feed still subscribed")
	}
}

func TestFeedForwardsErrors(t *testing.T) {
	src := livefeedtest.NewSource()
	paths := livefeed.BuildPaths("", "v1")
	c := &collector{}
	feed, err := livefeed.OpenFeed(context.Background(), src, paths, c.onReading, c.onError)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer feed.Release()
	boom := errors.New("broker gone")
	if n := src.Fail(boom); n != 2 {
		t.Fatalf("failed %d subscriptions", n)
	}
	if len(c.errs) != 1 {
		t.Fatalf("one outage reported %d times", len(c.errs))
	}
	if !errors.Is(c.errs[0], boom) || !strings.Contains(c.errs[0].Error(), "vehicles/v1/emissions") {
		t.Fatalf("error not wrapped with path: %v", c.errs[0])
	}
	src.Fail(boom)
	if len(c.errs) != 1 {
		t.Fatalf("repeated error forwarded before recovery")
	}

	src.Emit(paths.CO2, 400)
	src.Fail(boom)
	if len(c.errs) != 2 {
		t.Fatalf("error after recovery not forwarded: %d", len(c.errs))
	}
}

func TestOpenFeedReleasesOnPartialFailure(t *testing.T) {
	src := livefeedtest.NewSource()
	paths := livefeed.BuildPaths("", "v1")
	src.FailPath(paths.CO2, livefeed.ErrNotConnected)
	_, err := livefeed.OpenFeed(context.Background(), src, paths, nil, nil)
	if !errors.Is(err, livefeed.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if src.Opened() != 1 || src.Active("") != 0 {
		t.Fatalf("opened=%d active=%d", src.Opened(), src.Active(""))
	}
}

func TestFeedClock(t *testing.T) {
	src := livefeedtest.NewSource()
	paths := livefeed.BuildPaths("", "v1")
	fixed := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	c := &collector{}
	feed, err := livefeed.OpenFeed(context.Background(), src, paths, c.onReading, nil, livefeed.WithFeedClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer feed.Release()
	src.Emit(paths.CO2, 150)
	if !c.readings[0].Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %s", c.readings[0].Timestamp)
	}
}

func TestNewSourceRejectsUnknownTransport(t *testing.T) {
	if _, err := livefeed.NewSource(livefeedConfig("smoke-signal"), nil); err == nil {
		t.Fatalf("expected error")
	}
}
