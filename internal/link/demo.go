package link

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/chopperdash/internal/protocol"
)

const (
	demoFrameInterval = 50 * time.Millisecond // ~20Hz, like the real firmware
	demoLagSeconds    = 0.4                   // first-order motor lag
	demoDefaultRPM    = 600
)

// DemoPort simulates the chopper firmware for development and testing. It
// accepts the same commands as the device and, while the wheel turns, emits
// "<period_us>,0\n" measurement lines.
type DemoPort struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	timeout time.Duration

	running bool
	target  float64 // commanded rpm
	rpm     float64 // simulated wheel speed
	next    time.Time
	pending []byte
}

func NewDemoPort() *DemoPort {
	return &DemoPort{
		closeCh: make(chan struct{}),
		timeout: time.Second,
		target:  demoDefaultRPM,
	}
}

func (d *DemoPort) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
	return nil
}

// Write interprets one command per call.
func (d *DemoPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.New("demo: port closed")
	}

	cmd, rpm, err := protocol.ParseCommand(p)
	if err != nil {
		log.Printf("[demo] ignoring %q: %v", p, err)
		return len(p), nil
	}
	switch cmd {
	case protocol.CmdStart:
		if !d.running {
			d.next = time.Now()
		}
		d.running = true
	case protocol.CmdStop:
		d.running = false
	case protocol.CmdSpeed:
		d.target = rpm
	}
	return len(p), nil
}

// Read blocks until a measurement line is due or the read timeout elapses,
// in which case it returns 0 bytes and no error like a real serial port.
func (d *DemoPort) Read(p []byte) (int, error) {
	d.mu.Lock()
	deadline := time.Now().Add(d.timeout)
	for {
		if d.closed {
			d.mu.Unlock()
			return 0, errors.New("demo: port closed")
		}
		if len(d.pending) > 0 {
			n := copy(p, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}

		now := time.Now()
		spinning := d.running || d.rpm >= 1
		if spinning && !now.Before(d.next) {
			d.pending = d.frame()
			d.next = now.Add(demoFrameInterval)
			continue
		}
		if !now.Before(deadline) {
			d.mu.Unlock()
			return 0, nil
		}

		wait := deadline.Sub(now)
		if spinning {
			if until := d.next.Sub(now); until < wait {
				wait = until
			}
		} else {
			// idle: poll so a Start written meanwhile is picked up
			wait = min(wait, demoFrameInterval)
		}
		d.mu.Unlock()

		select {
		case <-d.closeCh:
		case <-time.After(wait):
		}
		d.mu.Lock()
	}
}

// frame advances the simulated wheel by one interval and renders a line.
func (d *DemoPort) frame() []byte {
	target := 0.0
	if d.running {
		target = d.target
	}
	dt := demoFrameInterval.Seconds()
	d.rpm += (target - d.rpm) * (1 - math.Exp(-dt/demoLagSeconds))

	rpm := d.rpm * (1 + (rand.Float64()-0.5)*0.01)
	if rpm < 1 {
		rpm = 1
	}
	period := int64(math.Round(protocol.MicrosPerMinute / rpm))
	return []byte(fmt.Sprintf("%d,0\n", period))
}

func (d *DemoPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closeCh)
	}
	return nil
}
