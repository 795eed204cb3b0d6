package telemetry

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out queued bytes and reports a timeout when idle.
type fakeSource struct {
	data chan byte
	errs chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(chan byte, 1024), errs: make(chan error, 1)}
}

func (f *fakeSource) send(s string) {
	for i := 0; i < len(s); i++ {
		f.data <- s[i]
	}
}

func (f *fakeSource) ReadByte() (byte, error) {
	select {
	case b := <-f.data:
		return b, nil
	case err := <-f.errs:
		return 0, err
	case <-time.After(5 * time.Millisecond):
		return 0, link.ErrTimeout
	}
}

type recordingSink struct {
	mu     sync.Mutex
	values []float64
}

func (s *recordingSink) PushMeasured(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
}

func (s *recordingSink) get() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.values...)
}

func TestReaderDecodesFrames(t *testing.T) {
	sink := &recordingSink{}
	r := NewReader(sink, nil)
	src := newFakeSource()

	require.NoError(t, r.Start(src))
	defer r.Stop()

	src.send("500,0\nabc\n60000,1\r\n")

	require.Eventually(t, func() bool { return len(sink.get()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{120000, 1000}, sink.get())

	require.Eventually(t, func() bool { return r.Stats().Malformed == 1 },
		time.Second, 5*time.Millisecond)
	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(len("500,0\nabc\n60000,1\r\n")), stats.Bytes)
	assert.Equal(t, 1000.0, stats.LastRPM)
}

func TestReaderMalformedOnlyLeavesSinkEmpty(t *testing.T) {
	sink := &recordingSink{}
	r := NewReader(sink, nil)
	src := newFakeSource()

	require.NoError(t, r.Start(src))
	src.send("abc\n0,0\n-4,0\n")

	require.Eventually(t, func() bool { return r.Stats().Malformed == 3 },
		time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Empty(t, sink.get())
}

func TestReaderStartTwice(t *testing.T) {
	r := NewReader(&recordingSink{}, nil)
	src := newFakeSource()

	require.NoError(t, r.Start(src))
	assert.Equal(t, Running, r.State())

	err := r.Start(src)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, Running, r.State())

	r.Stop()
	assert.Equal(t, Idle, r.State())

	// a stop in between makes the next start legal again
	require.NoError(t, r.Start(src))
	r.Stop()
}

func TestReaderStopObservesTimeoutBoundary(t *testing.T) {
	r := NewReader(&recordingSink{}, nil)
	src := newFakeSource()
	require.NoError(t, r.Start(src))

	require.Eventually(t, func() bool { return r.Stats().Timeouts > 0 },
		time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, Idle, r.State())
}

func TestReaderStopWhenIdle(t *testing.T) {
	r := NewReader(&recordingSink{}, nil)
	r.Stop()
	assert.Equal(t, Idle, r.State())
}

func TestReaderReportsFatalError(t *testing.T) {
	type report struct {
		src io.ByteReader
		err error
	}
	reports := make(chan report, 1)
	sink := &recordingSink{}

	var r *Reader
	r = NewReader(sink, func(src io.ByteReader, err error) {
		// the reader must already be idle when it reports
		assert.Equal(t, Idle, r.State())
		reports <- report{src, err}
	})

	src := newFakeSource()
	require.NoError(t, r.Start(src))
	src.send("500,0\n")
	require.Eventually(t, func() bool { return len(sink.get()) == 1 },
		time.Second, 5*time.Millisecond)

	boom := errors.New("usb unplugged")
	src.errs <- boom

	select {
	case got := <-reports:
		assert.Same(t, src, got.src)
		assert.ErrorIs(t, got.err, boom)
	case <-time.After(time.Second):
		t.Fatal("no failure report")
	}
	assert.Equal(t, Idle, r.State())

	// Stop after a failure is a no-op and restart works
	r.Stop()
	require.NoError(t, r.Start(src))
	r.Stop()
}

func TestReaderOverlongLineCountsMalformed(t *testing.T) {
	sink := &recordingSink{}
	r := NewReader(sink, nil)
	src := newFakeSource()
	require.NoError(t, r.Start(src))
	defer r.Stop()

	noise := make([]byte, 100)
	for i := range noise {
		noise[i] = '7'
	}
	src.send(string(noise) + "\n500,0\n")

	require.Eventually(t, func() bool { return len(sink.get()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Malformed)
	assert.Equal(t, []float64{120000}, sink.get())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "unknown", State(9).String())
}
