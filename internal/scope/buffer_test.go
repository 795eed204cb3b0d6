package scope

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	b := New(Config{})
	w := b.Window()
	assert.Equal(t, 2.0, w.Duration)
	assert.Equal(t, -1.0, w.Floor)
	assert.Equal(t, 3.0, w.Ceiling)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 26, b.Capacity())
}

func TestNewClampsBadConfig(t *testing.T) {
	b := New(Config{Window: time.Second, Interval: 5 * time.Second, Floor: 4, Ceiling: 4})
	w := b.Window()
	assert.Equal(t, 1.0, w.Duration)
	assert.Less(t, w.Floor, w.Ceiling)
	assert.Equal(t, 2, b.Capacity())
}

func TestTickBoundsLength(t *testing.T) {
	t.Parallel()

	configs := []Config{
		DefaultConfig(),
		{Window: time.Second, Interval: 300 * time.Millisecond, Floor: -1, Ceiling: 3},
		{Window: 5 * time.Second, Interval: 100 * time.Millisecond, Floor: 0, Ceiling: 1},
	}
	for _, cfg := range configs {
		b := New(cfg)
		limit := int(cfg.Window.Seconds()/cfg.Interval.Seconds()+1e-9) + 1
		peak := 0
		for i := 0; i < 1000; i++ {
			b.PushMeasured(float64(i))
			v := b.Tick()
			require.Len(t, v.Measured, len(v.Commanded))
			require.LessOrEqual(t, len(v.Commanded), limit, "tick %d", i)
			peak = max(peak, len(v.Commanded))
		}
		assert.Equal(t, limit, peak, "window %v interval %v", cfg.Window, cfg.Interval)
	}
}

func TestTickRebasesOnNewestPoint(t *testing.T) {
	b := New(DefaultConfig())
	var v View
	for i := 0; i < 25; i++ {
		v = b.Tick()
	}
	require.Len(t, v.Commanded, 26)
	assert.Equal(t, 0.0, v.Commanded[0].T)
	assert.InDelta(t, 2.0, v.Commanded[25].T, 1e-9)

	v = b.Tick()
	require.Len(t, v.Commanded, 2)
	assert.InDelta(t, 2.0, v.Commanded[0].T, 1e-9)
	assert.InDelta(t, 2.08, v.Commanded[1].T, 1e-9)

	from, to := b.Span()
	assert.InDelta(t, 2.0, from, 1e-9)
	assert.InDelta(t, 2.08, to, 1e-9)
}

func TestTickCarriesValuesForward(t *testing.T) {
	b := New(DefaultConfig())
	b.PushCommanded(100)
	b.PushMeasured(120000)

	var v View
	for i := 0; i < 5; i++ {
		v = b.Tick()
	}
	require.Len(t, v.Measured, 6)
	for _, s := range v.Measured[1:] {
		assert.Equal(t, 120000.0, s.V)
	}
	for _, s := range v.Commanded[1:] {
		assert.Equal(t, 100.0, s.V)
	}

	b.PushMeasured(99)
	v = b.Tick()
	assert.Equal(t, 99.0, v.Measured[len(v.Measured)-1].V)
	assert.Equal(t, 100.0, v.Commanded[len(v.Commanded)-1].V)
}

func TestTickReturnsCopies(t *testing.T) {
	b := New(DefaultConfig())
	v := b.Tick()
	v.Measured[0].V = 42
	v = b.Tick()
	assert.Equal(t, 0.0, v.Measured[0].V)
}

func TestLatestUsesMonotonicClock(t *testing.T) {
	b := New(DefaultConfig())
	base := b.start
	b.now = func() time.Time { return base.Add(1500 * time.Millisecond) }

	b.PushMeasured(7)
	c, m := b.Latest()
	assert.Equal(t, Sample{T: 1.5, V: 7}, m)
	assert.Equal(t, Sample{}, c)
}

func TestAutoScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        Window
		g, a      float64
		wantFloor float64
		wantCeil  float64
	}{
		{
			name: "ceiling rises and floor waits its turn",
			in:   Window{Floor: -1, Ceiling: 3},
			g:    100, a: 50,
			wantFloor: -1, wantCeil: 102,
		},
		{
			name: "floor tightens once ceiling is settled",
			in:   Window{Floor: -1, Ceiling: 102},
			g:    100, a: 50,
			wantFloor: 49, wantCeil: 102,
		},
		{
			name: "inside band nothing moves",
			in:   Window{Floor: 49, Ceiling: 102},
			g:    101, a: 50.5,
			wantFloor: 49, wantCeil: 102,
		},
		{
			name: "ceiling too loose shrinks",
			in:   Window{Floor: 0, Ceiling: 500},
			g:    100, a: 100,
			wantFloor: 0, wantCeil: 102,
		},
		{
			name: "floor drops below value",
			in:   Window{Floor: 80, Ceiling: 102},
			g:    100, a: 60,
			wantFloor: 59, wantCeil: 102,
		},
		{
			name: "collision nudges ceiling up",
			in:   Window{Floor: 10, Ceiling: 12},
			g:    9.5, a: 9.5,
			wantFloor: 10, wantCeil: 11,
		},
		{
			name: "zero height at zero",
			in:   Window{Floor: 0, Ceiling: 5},
			g:    0, a: 0,
			wantFloor: -1, wantCeil: 0,
		},
		{
			name: "ceiling under stale floor drags floor down",
			in:   Window{Floor: 98, Ceiling: 102},
			g:    50, a: 50,
			wantFloor: 49, wantCeil: 51,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := autoScale(tc.in, tc.g, tc.a)
			assert.Equal(t, tc.wantFloor, got.Floor)
			assert.Equal(t, tc.wantCeil, got.Ceiling)
		})
	}
}

func TestAutoScaleInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := Window{Duration: 2, Floor: -1, Ceiling: 3}

	for i := 0; i < 10000; i++ {
		g := rng.Float64() * 5000
		a := g * (0.8 + rng.Float64()*0.4)
		if i%7 == 0 {
			g = -g / 10
		}

		maxY := math.Max(g, a)
		fired := maxY > w.Ceiling || w.Ceiling > scale(maxY, 1.04, 0.96)

		w = autoScale(w, g, a)
		require.Less(t, w.Floor, w.Ceiling, "step %d g=%v a=%v", i, g, a)
		if fired {
			require.GreaterOrEqual(t, w.Ceiling, maxY, "step %d g=%v a=%v", i, g, a)
		}
	}
}

func TestSpeedDropStaysInWindow(t *testing.T) {
	b := New(DefaultConfig())
	b.PushCommanded(100)
	b.PushMeasured(100)
	for i := 0; i < 5; i++ {
		b.Tick()
	}
	w := b.Window()
	require.Equal(t, 98.0, w.Floor)
	require.Equal(t, 102.0, w.Ceiling)

	b.PushCommanded(50)
	b.PushMeasured(50)
	for i := 0; i < 3; i++ {
		w = b.Tick().Window
	}
	assert.LessOrEqual(t, w.Floor, 50.0)
	assert.GreaterOrEqual(t, w.Ceiling, 50.0)

	// and it stays put once settled
	for i := 0; i < 50; i++ {
		w = b.Tick().Window
	}
	assert.Equal(t, 49.0, w.Floor)
	assert.Equal(t, 51.0, w.Ceiling)
}

func TestInitialTicksStayNonDegenerate(t *testing.T) {
	b := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		v := b.Tick()
		assert.Less(t, v.Window.Floor, v.Window.Ceiling, "tick %d", i)
	}
}

func TestConcurrentPushAndTick(t *testing.T) {
	b := New(DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			b.PushMeasured(float64(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			b.PushCommanded(float64(i))
		}
	}()
	for i := 0; i < 200; i++ {
		v := b.Tick()
		require.Equal(t, len(v.Commanded), len(v.Measured))
		require.LessOrEqual(t, len(v.Commanded), b.Capacity())
	}
	wg.Wait()
}
