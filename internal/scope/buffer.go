// Package scope keeps the commanded and measured speed traces for the
// visible time window and decides the y-axis bounds they are drawn with.
package scope

import (
	"math"
	"sync"
	"time"
)

// Sample is one point of a trace. T is seconds on the scope's time axis.
type Sample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// Window is the visible span and the y-axis bounds.
type Window struct {
	Duration float64 `json:"duration"` // seconds
	Floor    float64 `json:"floor"`
	Ceiling  float64 `json:"ceiling"`
}

// View is what one tick hands to the renderer. The slices are copies.
type View struct {
	Commanded []Sample `json:"commanded"`
	Measured  []Sample `json:"measured"`
	Window    Window   `json:"window"`
}

// Config holds the buffer's fixed parameters.
type Config struct {
	Window   time.Duration
	Interval time.Duration // render tick cadence
	Floor    float64       // initial y-axis bounds
	Ceiling  float64
}

// DefaultConfig is a 2 s window ticked every 80 ms.
func DefaultConfig() Config {
	return Config{
		Window:   2 * time.Second,
		Interval: 80 * time.Millisecond,
		Floor:    -1,
		Ceiling:  3,
	}
}

// Buffer holds both traces. The telemetry reader pushes measured values, the
// controller pushes commanded values and the render tick calls Tick; a
// single mutex covers all of it.
type Buffer struct {
	mu sync.Mutex

	interval float64 // seconds
	window   Window
	start    time.Time
	now      func() time.Time

	base int64 // axis step of the oldest retained point
	step int64 // axis step of the newest point

	commanded []Sample
	measured  []Sample

	latestCommanded Sample
	latestMeasured  Sample
}

// New creates a buffer holding a single zero point at t=0.
func New(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Interval > cfg.Window {
		cfg.Interval = cfg.Window
	}
	if !(cfg.Floor < cfg.Ceiling) {
		cfg.Floor, cfg.Ceiling = def.Floor, def.Ceiling
	}

	n := int(cfg.Window/cfg.Interval) + 1
	b := &Buffer{
		interval: cfg.Interval.Seconds(),
		window: Window{
			Duration: cfg.Window.Seconds(),
			Floor:    cfg.Floor,
			Ceiling:  cfg.Ceiling,
		},
		now:       time.Now,
		commanded: make([]Sample, 1, n),
		measured:  make([]Sample, 1, n),
	}
	b.start = b.now()
	return b
}

// Capacity is the most points a trace can hold: one per tick across the
// window plus the re-based first point.
func (b *Buffer) Capacity() int {
	return int(b.window.Duration/b.interval+1e-9) + 1
}

// PushCommanded latches the latest commanded value.
func (b *Buffer) PushCommanded(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latestCommanded = Sample{T: b.sinceStart(), V: v}
}

// PushMeasured latches the latest measured value.
func (b *Buffer) PushMeasured(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latestMeasured = Sample{T: b.sinceStart(), V: v}
}

// Latest returns the most recently pushed values, stamped with monotonic
// seconds since the buffer was created.
func (b *Buffer) Latest() (commanded, measured Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestCommanded, b.latestMeasured
}

// Len returns the current trace length (both traces are always equal).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.commanded)
}

// Window returns the current bounds.
func (b *Buffer) Window() Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window
}

// Tick advances the time axis by one interval, drops what fell out of the
// window, appends the latest values to both traces and rescales the y-axis.
func (b *Buffer) Tick() View {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.step + 1
	if float64(next-b.base)*b.interval > b.window.Duration+1e-9 {
		// re-base on the newest point so the trace spans one window at most
		b.commanded[0] = b.commanded[len(b.commanded)-1]
		b.measured[0] = b.measured[len(b.measured)-1]
		b.commanded = b.commanded[:1]
		b.measured = b.measured[:1]
		b.base = b.step
	}

	b.window = autoScale(b.window, b.latestCommanded.V, b.latestMeasured.V)

	t := float64(next) * b.interval
	b.commanded = append(b.commanded, Sample{T: t, V: b.latestCommanded.V})
	b.measured = append(b.measured, Sample{T: t, V: b.latestMeasured.V})
	b.step = next

	return View{
		Commanded: append([]Sample(nil), b.commanded...),
		Measured:  append([]Sample(nil), b.measured...),
		Window:    b.window,
	}
}

// Span returns the first and last time on the axis.
func (b *Buffer) Span() (from, to float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commanded[0].T, b.commanded[len(b.commanded)-1].T
}

func (b *Buffer) sinceStart() float64 {
	return b.now().Sub(b.start).Seconds()
}

// autoScale moves the bounds only once a value leaves the 2-4% hysteresis
// band. Ceiling wins over floor within a single call.
func autoScale(w Window, commanded, measured float64) Window {
	maxY := math.Max(commanded, measured)
	minY := math.Min(commanded, measured)

	if maxY > w.Ceiling || w.Ceiling > scale(maxY, 1.04, 0.96) {
		w.Ceiling = math.Ceil(scale(maxY, 1.02, 0.98))
	} else if minY < w.Floor || w.Floor < scale(minY, 0.96, 1.04) {
		w.Floor = math.Ceil(scale(minY, 0.98, 1.02))
	}
	if w.Ceiling == w.Floor {
		w.Ceiling = math.Ceil(scale(w.Ceiling, 1.02, 0.98))
	}
	// A ceiling that dropped under a stale floor pulls the floor down with it,
	// so the ceiling is left where the data put it.
	if w.Ceiling <= w.Floor {
		w.Floor = math.Ceil(scale(minY, 0.98, 1.02))
	}
	if w.Ceiling <= w.Floor {
		w.Floor = w.Ceiling - 1
	}
	return w
}

// scale multiplies x by pos for non-negative x and by neg otherwise, so a margin
// expressed as a factor keeps its direction for negative values. The chopper
// only reports non-negative speeds, so in practice x*pos is what runs.
func scale(x, pos, neg float64) float64 {
	if x < 0 {
		return x * neg
	}
	return x * pos
}
