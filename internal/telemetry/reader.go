// Package telemetry runs the background loop that turns the chopper's
// measurement lines into speed samples.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/shaunagostinho/chopperdash/internal/protocol"
)

var ErrAlreadyRunning = errors.New("telemetry: reader already running")

// State of the reader loop.
type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Sink receives decoded measurements.
type Sink interface {
	PushMeasured(rpm float64)
}

// FailureFunc is told about a fatal read error on src. It runs on the reader
// goroutine after the reader is back to Idle.
type FailureFunc func(src io.ByteReader, err error)

// Stats are the reader's counters since it was created.
type Stats struct {
	Bytes     uint64  `json:"bytes"`
	Frames    uint64  `json:"frames"`
	Malformed uint64  `json:"malformed"`
	Timeouts  uint64  `json:"timeouts"`
	LastRPM   float64 `json:"lastRpm"`
}

// Reader pulls bytes from a link, frames and decodes them and pushes the
// result to its sink. One reader serves one link at a time.
type Reader struct {
	sink      Sink
	onFailure FailureFunc

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	bytes     atomic.Uint64
	frames    atomic.Uint64
	malformed atomic.Uint64
	timeouts  atomic.Uint64
	lastRPM   atomic.Value // float64
}

// NewReader creates an idle reader. onFailure may be nil.
func NewReader(sink Sink, onFailure FailureFunc) *Reader {
	r := &Reader{sink: sink, onFailure: onFailure}
	r.lastRPM.Store(0.0)
	return r
}

// State returns the current loop state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the read loop on src.
func (r *Reader) Start(src io.ByteReader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.state = Running
	r.cancel = cancel
	r.done = done

	go r.run(ctx, src, done)
	log.Printf("[reader] started")
	return nil
}

// Stop asks the loop to finish and waits until it has. The loop notices at
// its next read-timeout boundary. Stop never closes the link.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.state == Idle {
		r.mu.Unlock()
		return
	}
	if r.state == Running {
		r.state = Stopping
		r.cancel()
	}
	done := r.done
	r.mu.Unlock()

	<-done
}

// Stats returns a snapshot of the counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Bytes:     r.bytes.Load(),
		Frames:    r.frames.Load(),
		Malformed: r.malformed.Load(),
		Timeouts:  r.timeouts.Load(),
		LastRPM:   r.lastRPM.Load().(float64),
	}
}

func (r *Reader) run(ctx context.Context, src io.ByteReader, done chan struct{}) {
	err := r.loop(ctx, src)

	r.mu.Lock()
	r.state = Idle
	r.cancel()
	r.cancel = nil
	r.mu.Unlock()
	close(done)

	if err != nil {
		log.Printf("[reader] stopped: %v", err)
		if r.onFailure != nil {
			r.onFailure(src, err)
		}
		return
	}
	log.Printf("[reader] stopped")
}

func (r *Reader) loop(ctx context.Context, src io.ByteReader) error {
	var framer protocol.Framer
	for {
		if ctx.Err() != nil {
			return nil
		}

		b, err := src.ReadByte()
		if errors.Is(err, link.ErrTimeout) {
			r.timeouts.Add(1)
			continue
		}
		if err != nil {
			return err
		}
		r.bytes.Add(1)

		line, ok, overflow := framer.Feed(b)
		if !ok {
			continue
		}
		if overflow {
			r.malformed.Add(1)
			continue
		}

		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			r.malformed.Add(1)
			continue
		}
		r.frames.Add(1)
		r.lastRPM.Store(frame.RPM)
		r.sink.PushMeasured(frame.RPM)
	}
}
