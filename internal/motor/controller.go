// Package motor is the command side of the chopper: it owns the link, the
// Disconnected/Stopped/Running state machine and the telemetry reader.
package motor

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/shaunagostinho/chopperdash/internal/protocol"
	"github.com/shaunagostinho/chopperdash/internal/telemetry"
)

var (
	ErrNotConnected     = errors.New("motor: not connected")
	ErrPortIndexInvalid = errors.New("motor: port index invalid")
	ErrAlreadyConnected = errors.New("motor: already connected")
)

// State of the controller.
type State int

const (
	Disconnected State = iota
	Stopped
	Running
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Disconnected, Stopped, Running} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("motor: unknown state %q", b)
}

// Conn is an open link as the controller uses it. *link.Link satisfies it.
type Conn interface {
	io.ByteReader
	Write(p []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer func(cfg link.Config) (Conn, error)

// DialSerial opens a real link.
func DialSerial(cfg link.Config) (Conn, error) {
	l, err := link.Open(cfg)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Recorder takes both traces: measured values from the reader, commanded
// values from SetSpeed. *scope.Buffer satisfies it.
type Recorder interface {
	telemetry.Sink
	PushCommanded(rpm float64)
}

// Config wires a Controller.
type Config struct {
	Link link.Config // Port is filled in on Connect
	Dial Dialer
	List link.Lister
}

// Status is a snapshot for the status bar.
type Status struct {
	State     State           `json:"state"`
	Port      string          `json:"port,omitempty"`
	Commanded float64         `json:"commanded"`
	Measured  float64         `json:"measured"`
	Reader    string          `json:"reader"`
	Stats     telemetry.Stats `json:"stats"`
	Error     string          `json:"error,omitempty"`
	ErrorAt   int64           `json:"errorAt,omitempty"` // Unix ms
}

// Controller serializes every command under one lock, so no two writes ever
// reach the link at once. Snapshot fields sit behind a second lock that is
// never held while waiting on the reader, so Status stays prompt during a
// teardown.
type Controller struct {
	base link.Config
	dial Dialer
	list link.Lister
	rec  Recorder

	reader *telemetry.Reader

	ops  sync.Mutex // held for a whole command; guards conn
	conn Conn

	mu        sync.Mutex
	state     State
	port      string
	ports     []link.PortDescriptor
	commanded float64
	lastErr   error
	lastErrAt time.Time
}

// New creates a disconnected controller.
func New(cfg Config, rec Recorder) *Controller {
	if cfg.Dial == nil {
		cfg.Dial = DialSerial
	}
	if cfg.List == nil {
		cfg.List = link.ListPorts
	}
	c := &Controller{
		base: cfg.Link,
		dial: cfg.Dial,
		list: cfg.List,
		rec:  rec,
	}
	c.reader = telemetry.NewReader(rec, c.readFailed)
	return c
}

// Scan refreshes the list of selectable ports.
func (c *Controller) Scan() ([]link.PortDescriptor, error) {
	ports, err := c.list()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ports = ports
	c.mu.Unlock()
	return ports, nil
}

// ConnectIndex connects to entry i of the last Scan.
func (c *Controller) ConnectIndex(i int) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.ports) {
		n := len(c.ports)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d (have %d ports)", ErrPortIndexInvalid, i, n)
	}
	name := c.ports[i].Name
	c.mu.Unlock()
	return c.Connect(name)
}

// Connect opens port and moves to Stopped.
func (c *Controller) Connect(port string) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() != Disconnected {
		return fmt.Errorf("%w to %s", ErrAlreadyConnected, c.port)
	}

	cfg := c.base
	cfg.Port = port
	conn, err := c.dial(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, link.ErrOpenFailed) {
			err = fmt.Errorf("%w: %s: %v", link.ErrOpenFailed, port, err)
		}
		c.setErr(err)
		log.Printf("[motor] connect %s failed: %v", port, err)
		return err
	}

	c.conn = conn
	c.port = port
	c.state = Stopped
	c.lastErr = nil
	log.Printf("[motor] connected to %s", port)
	return nil
}

// Start spins the motor up and makes sure telemetry is being read.
func (c *Controller) Start() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	switch c.State() {
	case Disconnected:
		return ErrNotConnected
	case Running:
		return nil
	}

	if err := c.write(protocol.EncodeStart()); err != nil {
		return err
	}
	c.setState(Running)
	if err := c.reader.Start(c.conn); err != nil && !errors.Is(err, telemetry.ErrAlreadyRunning) {
		return err
	}
	log.Printf("[motor] started")
	return nil
}

// Stop halts the motor. The reader keeps running so the spin-down is
// visible.
func (c *Controller) Stop() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	switch c.State() {
	case Disconnected:
		return ErrNotConnected
	case Stopped:
		return nil
	}

	if err := c.write(protocol.EncodeStop()); err != nil {
		return err
	}
	c.setState(Stopped)
	log.Printf("[motor] stopped")
	return nil
}

// SetSpeed sends a new target speed. It does not change the state.
func (c *Controller) SetSpeed(rpm float64) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() == Disconnected {
		return ErrNotConnected
	}
	cmd, err := protocol.EncodeSpeed(rpm)
	if err != nil {
		return err
	}
	if err := c.write(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.commanded = rpm
	c.mu.Unlock()
	c.rec.PushCommanded(rpm)
	log.Printf("[motor] target %.1f rpm (%s)", rpm, cmd)
	return nil
}

// Disconnect stops the motor and the reader and closes the link. It is a
// no-op when already disconnected.
func (c *Controller) Disconnect() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	st := c.State()
	if st == Disconnected {
		return nil
	}
	if st == Running {
		if err := c.conn.Write(protocol.EncodeStop()); err != nil {
			log.Printf("[motor] stop on disconnect: %v", err)
		}
	}
	err := c.close()
	log.Printf("[motor] disconnected from %s", c.port)
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.reader.Stats()
	st := Status{
		State:     c.state,
		Commanded: c.commanded,
		Measured:  stats.LastRPM,
		Reader:    c.reader.State().String(),
		Stats:     stats,
	}
	if c.state != Disconnected {
		st.Port = c.port
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
		st.ErrorAt = c.lastErrAt.UnixMilli()
	}
	return st
}

// write sends p; a failure tears the connection down. Caller holds c.ops.
func (c *Controller) write(p []byte) error {
	if err := c.conn.Write(p); err != nil {
		log.Printf("[motor] write %q failed: %v", p, err)
		c.mu.Lock()
		c.setErr(err)
		c.mu.Unlock()
		c.close()
		return err
	}
	return nil
}

// close reports Disconnected, waits for the reader to finish, then closes
// the link. Caller holds c.ops but not c.mu.
func (c *Controller) close() error {
	c.setState(Disconnected)
	c.reader.Stop()
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readFailed runs on the reader goroutine once the reader is idle.
func (c *Controller) readFailed(src io.ByteReader, err error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.conn == nil || src != io.ByteReader(c.conn) {
		return // link already replaced or closed
	}
	log.Printf("[motor] link to %s lost: %v", c.port, err)
	c.mu.Lock()
	c.setErr(err)
	c.state = Disconnected
	c.mu.Unlock()
	if cerr := c.conn.Close(); cerr != nil {
		log.Printf("[motor] close after read failure: %v", cerr)
	}
	c.conn = nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// setErr records err. Caller holds c.mu.
func (c *Controller) setErr(err error) {
	c.lastErr = err
	c.lastErrAt = time.Now()
}
