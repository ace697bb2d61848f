package scope

import (
	"errors"
	"fmt"
)

// Failure classes for a capture cycle. Driver methods wrap these with
// command context so callers can classify with errors.Is while logs keep
// the detail.
var (
	// ErrConnectionTest covers a failed or malformed S1 handshake.
	ErrConnectionTest = errors.New("connection test failed")
	// ErrWaveformFrame covers a missing, truncated or oversized waveform frame.
	ErrWaveformFrame = errors.New("waveform frame error")
	// ErrConditionFrame covers a bad condition frame or an undecodable record.
	ErrConditionFrame = errors.New("measurement condition error")
	// ErrWrite covers transmit-side failures on any command.
	ErrWrite = errors.New("write failure")
)

func errUnknownCommand(s string) error {
	return fmt.Errorf("scope: unknown command %q", s)
}
