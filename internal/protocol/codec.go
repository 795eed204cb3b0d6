// Package protocol implements the chopper's line-based serial protocol.
//
// Measurements arrive as ASCII lines "<period_us>,<flags>\n", where period_us
// is the time between two edges of the chopper wheel. Commands go out as
// single characters ('s', 'p') or 'u' followed by a step time.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrInvalidSpeed   = errors.New("protocol: invalid speed")
)

// Command is the first byte of every outgoing command.
type Command byte

const (
	CmdStart Command = 's'
	CmdStop  Command = 'p'
	CmdSpeed Command = 'u'
)

const (
	// MicrosPerMinute converts an edge period in µs to revolutions per minute.
	MicrosPerMinute = 60_000_000
	// StepsPerRev is fixed by the driver hardware.
	StepsPerRev = 18
	// stepCorrection is the empirical timing correction of the firmware.
	stepCorrection = 0.998
)

// Frame is one decoded measurement line.
type Frame struct {
	PeriodUS float64 // µs between two wheel edges
	Flags    string  // raw flags field
	RPM      float64 // ceil(60e6 / PeriodUS)
}

// DecodeFrame parses one line (with or without its terminator).
func DecodeFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	period, flags, ok := strings.Cut(line, ",")
	if !ok {
		return Frame{}, fmt.Errorf("%w: no separator in %q", ErrMalformedFrame, line)
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(period), 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: period %q", ErrMalformedFrame, period)
	}
	rpm, err := PeriodToRPM(p)
	if err != nil {
		return Frame{}, err
	}
	return Frame{PeriodUS: p, Flags: strings.TrimSpace(flags), RPM: rpm}, nil
}

// PeriodToRPM converts an edge period in microseconds to RPM, rounded up.
func PeriodToRPM(periodUS float64) (float64, error) {
	if periodUS <= 0 || math.IsNaN(periodUS) || math.IsInf(periodUS, 0) {
		return 0, fmt.Errorf("%w: period %v", ErrMalformedFrame, periodUS)
	}
	return math.Ceil(MicrosPerMinute / periodUS), nil
}

// StepTime converts a target RPM into the per-step interval the driver
// expects.
func StepTime(rpm float64) (float64, error) {
	if !(rpm > 0) || math.IsInf(rpm, 0) {
		return 0, fmt.Errorf("%w: %v rpm", ErrInvalidSpeed, rpm)
	}
	return stepCorrection * MicrosPerMinute / rpm / StepsPerRev, nil
}

// EncodeStart returns the start-motor command.
func EncodeStart() []byte { return []byte{byte(CmdStart)} }

// EncodeStop returns the stop-motor command.
func EncodeStop() []byte { return []byte{byte(CmdStop)} }

// EncodeSpeed returns the set-speed command for rpm, e.g. "u33266.666666666664"
// for 100 rpm.
func EncodeSpeed(rpm float64) ([]byte, error) {
	st, err := StepTime(rpm)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(CmdSpeed)}, strconv.FormatFloat(st, 'f', -1, 64)...), nil
}

// ParseCommand decodes an outgoing command as the device sees it. For
// CmdSpeed it also returns the RPM the step time corresponds to.
func ParseCommand(p []byte) (Command, float64, error) {
	if len(p) == 0 {
		return 0, 0, errors.New("protocol: empty command")
	}
	switch cmd := Command(p[0]); cmd {
	case CmdStart, CmdStop:
		return cmd, 0, nil
	case CmdSpeed:
		st, err := strconv.ParseFloat(string(p[1:]), 64)
		if err != nil || !(st > 0) {
			return cmd, 0, fmt.Errorf("%w: step time %q", ErrInvalidSpeed, p[1:])
		}
		return cmd, stepCorrection * MicrosPerMinute / st / StepsPerRev, nil
	default:
		return cmd, 0, fmt.Errorf("protocol: unknown command %q", p[0])
	}
}
