package link

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

var (
	ErrOpenFailed  = errors.New("link: open failed")
	ErrWriteFailed = errors.New("link: write failed")
	ErrReadFailed  = errors.New("link: read failed")
	// ErrTimeout means no byte arrived within the read timeout. It is the
	// reader's cue to check for cancellation, not a failure.
	ErrTimeout = errors.New("link: read timeout")
)

// DemoPortName opens the simulated chopper instead of a serial device.
const DemoPortName = "demo"

// Parity names accepted in Config.
const (
	ParityNone  = "none"
	ParityOdd   = "odd"
	ParityEven  = "even"
	ParityMark  = "mark"
	ParitySpace = "space"
)

// Port is the subset of serial.Port the link needs. serial.Port satisfies it,
// as does the simulated device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a Port for the given name and mode.
type Opener func(name string, mode *serial.Mode) (Port, error)

// Config describes one connection. It is fixed for the link's lifetime.
type Config struct {
	Port        string        `yaml:"port" json:"port"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	Timeout     time.Duration `yaml:"-" json:"-"`
	Parity      string        `yaml:"parity" json:"parity"`
	FlowControl bool          `yaml:"flow_control" json:"flowControl"`
}

// DefaultConfig matches the chopper firmware: 256000 baud, no parity,
// hardware flow control, 2 s read timeout.
func DefaultConfig() Config {
	return Config{
		BaudRate:    256000,
		Timeout:     2 * time.Second,
		Parity:      ParityNone,
		FlowControl: true,
	}
}

// Mode converts the config into a go.bug.st/serial mode.
func (c Config) Mode() (*serial.Mode, error) {
	if c.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	parity, err := ParseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: 8,
		Parity:   parity,
		StopBits: serial.OneStopBit,
	}
	// go.bug.st/serial has no RTS/CTS handshake switch; asserting RTS and
	// DTR at open is what the firmware waits for.
	if c.FlowControl {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	return mode, nil
}

// ParseParity maps a config parity name to serial.Parity.
func ParseParity(name string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ParityNone, "n":
		return serial.NoParity, nil
	case ParityOdd, "o":
		return serial.OddParity, nil
	case ParityEven, "e":
		return serial.EvenParity, nil
	case ParityMark, "m":
		return serial.MarkParity, nil
	case ParitySpace, "s":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("unsupported parity %q", name)
	}
}

// SerialOpener opens real serial devices, or the simulated chopper for
// DemoPortName.
func SerialOpener(name string, mode *serial.Mode) (Port, error) {
	if name == DemoPortName {
		return NewDemoPort(), nil
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Link owns one open port. Reads happen on a single goroutine (the telemetry
// reader); writes may come from any goroutine and are serialized.
type Link struct {
	cfg  Config
	port Port

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  atomic.Bool

	// read side, touched only by the reading goroutine
	buf  []byte
	head int
	tail int
}

// Open opens the configured port using the real serial opener.
func Open(cfg Config) (*Link, error) {
	return OpenWith(cfg, SerialOpener)
}

// OpenWith opens the configured port with a custom opener.
func OpenWith(cfg Config, open Opener) (*Link, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: no port selected", ErrOpenFailed)
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, cfg.Port, err)
	}
	port, err := open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, cfg.Port, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %s: set timeout: %v", ErrOpenFailed, cfg.Port, err)
	}

	log.Printf("[link] opened %s at %d baud (parity=%s, flow=%v, timeout=%v)",
		cfg.Port, cfg.BaudRate, cfg.Parity, cfg.FlowControl, cfg.Timeout)

	return &Link{
		cfg:  cfg,
		port: port,
		buf:  make([]byte, 256),
	}, nil
}

// Config returns the configuration the link was opened with.
func (l *Link) Config() Config { return l.cfg }

// ReadByte returns the next byte from the port. When nothing arrives within
// the read timeout it returns ErrTimeout. It must only be called from one
// goroutine.
func (l *Link) ReadByte() (byte, error) {
	if l.head < l.tail {
		b := l.buf[l.head]
		l.head++
		return b, nil
	}
	if l.closed.Load() {
		return 0, fmt.Errorf("%w: link closed", ErrReadFailed)
	}

	n, err := l.port.Read(l.buf)
	if n > 0 {
		l.head, l.tail = 1, n
		return l.buf[0], nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrReadFailed, l.cfg.Port, err)
	}
	// go.bug.st/serial reports a timeout as a zero-length read with no error.
	return 0, ErrTimeout
}

// Write sends p in full or fails with ErrWriteFailed.
func (l *Link) Write(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed.Load() {
		return fmt.Errorf("%w: link closed", ErrWriteFailed)
	}
	n, err := l.port.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, l.cfg.Port, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: %s: short write %d/%d", ErrWriteFailed, l.cfg.Port, n, len(p))
	}
	return nil
}

// Close releases the port. Calling it again is a no-op.
func (l *Link) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	if l.closed.Swap(true) {
		return nil
	}
	log.Printf("[link] closing %s", l.cfg.Port)
	return l.port.Close()
}

// Closed reports whether Close has been called.
func (l *Link) Closed() bool { return l.closed.Load() }
