package capability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/vectral/conductor/capability"
)

func fixedProbe(r capability.Readings) capability.Probe {
	return capability.ProbeFunc(func(_ context.Context) (capability.Readings, error) {
		return r, nil
	})
}

func TestDetect_DeviceClassification(t *testing.T) {
	tests := []struct {
		name     string
		readings capability.Readings
		want     capability.DeviceClass
	}{
		{
			name: "iphone is mobileStrict",
			readings: capability.Readings{
				UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Mobile/15E148 Safari/604.1",
			},
			want: capability.DeviceMobileStrict,
		},
		{
			name: "ipad with desktop UA is mobileStrict",
			readings: capability.Readings{
				UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15",
				MaxTouchPoints: 5,
			},
			want: capability.DeviceMobileStrict,
		},
		{
			name: "android is mobile",
			readings: capability.Readings{
				UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36",
			},
			want: capability.DeviceMobile,
		},
		{
			name: "touch plus small viewport is mobile",
			readings: capability.Readings{
				UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0",
				MaxTouchPoints: 2,
				ViewportWidth:  412,
			},
			want: capability.DeviceMobile,
		},
		{
			name: "desktop chrome is desktop",
			readings: capability.Readings{
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
			},
			want: capability.DeviceDesktop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := capability.NewDetector(fixedProbe(tt.readings), slog.Default())
			got := d.Detect(context.Background())
			if got.DeviceClass != tt.want {
				t.Errorf("DeviceClass = %q, want %q", got.DeviceClass, tt.want)
			}
		})
	}
}

func TestDetect_StrictEngine(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		want      bool
	}{
		{"desktop safari", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15", true},
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", false},
		{"chrome on ios", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 CriOS/120.0 Mobile/15E148 Safari/604.1", true},
		{"firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := capability.NewDetector(fixedProbe(capability.Readings{UserAgent: tt.userAgent}), slog.Default())
			got := d.Detect(context.Background())
			if got.StrictEngine != tt.want {
				t.Errorf("StrictEngine = %v, want %v", got.StrictEngine, tt.want)
			}
		})
	}
}

func TestDetect_ConcurrencyClamping(t *testing.T) {
	tests := []struct {
		reported int
		want     int
	}{
		{0, 4},  // unreported falls back to default
		{1, 1},
		{8, 8},
		{64, 16}, // clamped to upper bound
	}

	for _, tt := range tests {
		d := capability.NewDetector(fixedProbe(capability.Readings{HardwareConcurrency: tt.reported}), slog.Default())
		got := d.Detect(context.Background())
		if got.HardwareConcurrency != tt.want {
			t.Errorf("HardwareConcurrency(%d) = %d, want %d", tt.reported, got.HardwareConcurrency, tt.want)
		}
	}
}

func TestDetect_MissingRequirements(t *testing.T) {
	d := capability.NewDetector(fixedProbe(capability.Readings{
		CrossOriginIsolated: false,
		SharedMemory:        false,
	}), slog.Default())

	got := d.Detect(context.Background())
	if got.ThreadingSupported() {
		t.Error("ThreadingSupported() = true without isolation or shared memory")
	}
	if len(got.MissingRequirements) != 2 {
		t.Errorf("MissingRequirements = %v, want 2 entries", got.MissingRequirements)
	}

	supported := capability.NewDetector(fixedProbe(capability.Readings{
		CrossOriginIsolated: true,
		SharedMemory:        true,
		HardwareConcurrency: 4,
	}), slog.Default())

	if !supported.Detect(context.Background()).ThreadingSupported() {
		t.Error("ThreadingSupported() = false with all requirements met")
	}
}

func TestDetect_CachesUntilRefresh(t *testing.T) {
	calls := 0
	probe := capability.ProbeFunc(func(_ context.Context) (capability.Readings, error) {
		calls++
		return capability.Readings{HardwareConcurrency: calls}, nil
	})

	d := capability.NewDetector(probe, slog.Default())
	first := d.Detect(context.Background())
	second := d.Detect(context.Background())

	if calls != 1 {
		t.Fatalf("probe called %d times, want 1", calls)
	}
	if first.HardwareConcurrency != second.HardwareConcurrency {
		t.Error("cached reports differ")
	}

	d.Refresh()
	third := d.Detect(context.Background())
	if calls != 2 {
		t.Fatalf("probe called %d times after Refresh, want 2", calls)
	}
	if third.HardwareConcurrency != 2 {
		t.Errorf("refreshed HardwareConcurrency = %d, want 2", third.HardwareConcurrency)
	}
}

func TestDetect_ProbeFailureFallsBackConservative(t *testing.T) {
	probe := capability.ProbeFunc(func(_ context.Context) (capability.Readings, error) {
		return capability.Readings{}, errors.New("probe exploded")
	})

	d := capability.NewDetector(probe, slog.Default())
	got := d.Detect(context.Background())

	if got.DeviceClass != capability.DeviceMobileStrict {
		t.Errorf("DeviceClass = %q, want mobileStrict", got.DeviceClass)
	}
	if got.SharedMemorySupported {
		t.Error("SharedMemorySupported = true on probe failure")
	}
	if got.HardwareConcurrency != 1 {
		t.Errorf("HardwareConcurrency = %d, want 1", got.HardwareConcurrency)
	}
	if got.ThreadingSupported() {
		t.Error("ThreadingSupported() = true on probe failure")
	}
}
