package capability

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// DeviceClass buckets the host device for memory-ceiling selection.
type DeviceClass string

const (
	// DeviceDesktop is a desktop-class host with no known memory ceiling.
	DeviceDesktop DeviceClass = "desktop"
	// DeviceMobile is a mobile-class host.
	DeviceMobile DeviceClass = "mobile"
	// DeviceMobileStrict is a mobile host running an engine with a known
	// strict linear-memory ceiling (iOS WebKit and everything embedding it).
	DeviceMobileStrict DeviceClass = "mobileStrict"
)

// Bounds applied to the raw logical core count reading.
const (
	minConcurrency     = 1
	maxConcurrency     = 16
	defaultConcurrency = 4
)

// Readings are the raw values a Probe collects from the host environment.
type Readings struct {
	// CrossOriginIsolated reports whether the embedding context is
	// cross-origin isolated (COOP/COEP headers in effect).
	CrossOriginIsolated bool

	// SharedMemory reports whether shared linear memory can be
	// instantiated in this context.
	SharedMemory bool

	// HardwareConcurrency is the logical core count as reported by the
	// host. Zero means the host did not report one.
	HardwareConcurrency int

	// UserAgent is the host's user agent string.
	UserAgent string

	// MaxTouchPoints is the number of simultaneous touch contacts the
	// host supports. Zero on non-touch devices.
	MaxTouchPoints int

	// ViewportWidth is the layout viewport width in CSS pixels.
	// Zero when unknown.
	ViewportWidth int
}

// Probe reads raw capability values from the host environment.
// Implementations must be cheap enough to call on every Refresh.
type Probe interface {
	Read(ctx context.Context) (Readings, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (Readings, error)

// Read calls f.
func (f ProbeFunc) Read(ctx context.Context) (Readings, error) { return f(ctx) }

// Report is the classified capability report consumed by the memory
// sizing policy and the threading lifecycle controller.
type Report struct {
	Isolated              bool        `json:"isolated"`
	SharedMemorySupported bool        `json:"shared_memory_supported"`
	HardwareConcurrency   int         `json:"hardware_concurrency"`
	DeviceClass           DeviceClass `json:"device_class"`

	// StrictEngine is true when the browser engine is known to enforce
	// strict linear-memory ceilings regardless of device class.
	StrictEngine bool `json:"strict_engine"`

	// MissingRequirements lists the threading prerequisites not met in
	// this environment. Empty when parallel execution is possible.
	MissingRequirements []string `json:"missing_requirements,omitempty"`

	// Diagnostics carries human-readable detail for surfacing in a UI.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// ThreadingSupported reports whether the environment meets every
// prerequisite for parallel execution.
func (r Report) ThreadingSupported() bool {
	return len(r.MissingRequirements) == 0
}

// Detector classifies probe readings into a cached Report.
type Detector struct {
	probe  Probe
	logger *slog.Logger

	mu     sync.Mutex
	cached *Report
}

// NewDetector creates a Detector over the given probe.
func NewDetector(probe Probe, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{probe: probe, logger: logger}
}

// Detect returns the cached Report, probing the environment on first use.
// A probe failure is non-fatal: the most conservative report is returned
// and cached, so one flaky probe cannot flip later sizing decisions.
func (d *Detector) Detect(ctx context.Context) Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil {
		return *d.cached
	}

	readings, err := d.probe.Read(ctx)
	if err != nil {
		d.logger.Warn("capability probe failed, using conservative report",
			slog.String("error", err.Error()),
		)
		report := conservativeReport(err)
		d.cached = &report
		return report
	}

	report := classify(readings)
	d.cached = &report

	d.logger.Debug("capability report",
		slog.String("device_class", string(report.DeviceClass)),
		slog.Bool("isolated", report.Isolated),
		slog.Bool("shared_memory", report.SharedMemorySupported),
		slog.Int("hardware_concurrency", report.HardwareConcurrency),
	)

	return report
}

// Refresh invalidates the cached report. The next Detect probes again.
func (d *Detector) Refresh() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// classify maps raw readings to a Report.
func classify(r Readings) Report {
	report := Report{
		Isolated:              r.CrossOriginIsolated,
		SharedMemorySupported: r.SharedMemory,
		HardwareConcurrency:   clampConcurrency(r.HardwareConcurrency),
		StrictEngine:          isStrictEngine(r.UserAgent),
		DeviceClass:           classifyDevice(r),
	}

	if !r.SharedMemory {
		report.MissingRequirements = append(report.MissingRequirements, "SharedArrayBuffer")
		report.Diagnostics = append(report.Diagnostics,
			"shared memory is not available; parallel execution disabled")
	}
	if !r.CrossOriginIsolated {
		report.MissingRequirements = append(report.MissingRequirements, "Cross-Origin Isolation")
		report.Diagnostics = append(report.Diagnostics,
			"cross-origin isolation is not enabled; serve with COOP same-origin and COEP require-corp")
	}

	return report
}

// classifyDevice is deliberately conservative: anything that looks like a
// strict mobile engine classifies as mobileStrict, touch plus a small
// viewport classifies as mobile, everything else as desktop.
func classifyDevice(r Readings) DeviceClass {
	ua := strings.ToLower(r.UserAgent)

	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return DeviceMobileStrict
	// Modern iPadOS reports a desktop UA; a Mac UA with touch support is
	// an iPad in disguise.
	case strings.Contains(ua, "macintosh") && r.MaxTouchPoints > 1:
		return DeviceMobileStrict
	case strings.Contains(ua, "android"), strings.Contains(ua, "mobile"):
		return DeviceMobile
	case r.MaxTouchPoints > 0 && r.ViewportWidth > 0 && r.ViewportWidth < 900:
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// isStrictEngine detects WebKit, which enforces strict linear-memory
// ceilings on all platforms. Chrome and Edge embed "Safari" in their UA,
// so those are excluded explicitly.
func isStrictEngine(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ipod") {
		return true
	}
	if !strings.Contains(ua, "safari") {
		return false
	}
	for _, impostor := range []string{"chrome", "chromium", "crios", "edg", "android"} {
		if strings.Contains(ua, impostor) {
			return false
		}
	}
	return true
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return defaultConcurrency
	}
	if n < minConcurrency {
		return minConcurrency
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

// conservativeReport is returned when the probe itself fails: strictest
// device class, no shared memory, single core.
func conservativeReport(err error) Report {
	return Report{
		Isolated:              false,
		SharedMemorySupported: false,
		HardwareConcurrency:   1,
		DeviceClass:           DeviceMobileStrict,
		StrictEngine:          true,
		MissingRequirements:   []string{"SharedArrayBuffer", "Cross-Origin Isolation"},
		Diagnostics:           []string{"capability probe failed: " + err.Error()},
	}
}
