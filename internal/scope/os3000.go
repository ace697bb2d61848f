package scope

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// OS3000 wire protocol constants. Every response ends with a carriage
// return and the documented frame lengths count it.
const (
	cmdTest = "S1\r"

	frameTerminator = 0x0D
	testAck         = 0x41

	testFrameLen      = 2
	conditionFrameLen = 68
	waveformHeaderLen = 14

	// Standard sample memory window. R<ch>(0000,1000,B) answers with a
	// 14-byte header, 986 sample bytes and the terminator.
	waveformStart = 0
	waveformEnd   = 1000
)

// Settle and timeout constants. The instrument needs quiet time on the line
// after each command before it starts answering; reading earlier yields
// partial frames.
const (
	testSettle      = 10 * time.Millisecond
	conditionSettle = 1000 * time.Millisecond
	waveformSettle  = 750 * time.Millisecond
	postTestSettle  = 500 * time.Millisecond
	postParseSettle = 250 * time.Millisecond
	recoverDelay    = 1000 * time.Millisecond

	readTimeout      = 2000 * time.Millisecond
	drainReadTimeout = 50 * time.Millisecond
)

// Driver speaks the OS3000 protocol over a single held port. It is not safe
// for concurrent use; the capture worker owns one and runs cycles serially.
type Driver struct {
	settings PortSettings
	factory  SerialPortFactory
	clock    clockwork.Clock

	port SerialPort

	// Command and frame buffers are reused across cycles so steady-state
	// capture does not allocate per command.
	cmd   []byte
	frame []byte
	rd    [1]byte

	conditions string
}

// NewDriver builds a driver for the given line settings. A nil factory opens
// real serial ports; a nil clock uses wall time.
func NewDriver(settings PortSettings, factory SerialPortFactory, clock clockwork.Clock) *Driver {
	if factory == nil {
		factory = DefaultSerialPortFactory
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		settings: settings,
		factory:  factory,
		clock:    clock,
		cmd:      make([]byte, 0, 16),
		frame:    make([]byte, 0, waveformEnd+waveformHeaderLen+1),
	}
}

// Settings returns the line parameters the driver was built with.
func (d *Driver) Settings() PortSettings { return d.settings }

// Connected reports whether the port is currently open.
func (d *Driver) Connected() bool { return d.port != nil }

// Open connects the serial port. Reopening an open driver is a no-op.
func (d *Driver) Open() error {
	if d.port != nil {
		return nil
	}
	port, err := d.factory(d.settings.Path, d.settings.mode())
	if err != nil {
		return fmt.Errorf("os3000: open %s: %w", d.settings.Path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("os3000: set read timeout: %w", err)
	}
	d.port = port
	log.Info().Str("port", d.settings.Path).Int("baud", d.settings.BaudRate).
		Bool("two_stop_bits", d.settings.TwoStopBits).Msg("os3000: port open")
	return nil
}

// Close releases the port. Safe to call on a closed driver.
func (d *Driver) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	if err != nil {
		return fmt.Errorf("os3000: close: %w", err)
	}
	return nil
}

// Conditions returns the most recently fetched condition record.
func (d *Driver) Conditions() string { return d.conditions }

// TestConnection sends the S1 handshake. The scope answers a two-byte frame
// led by 0x41.
func (d *Driver) TestConnection() error {
	if err := d.send(cmdTest); err != nil {
		return err
	}
	d.clock.Sleep(testSettle)
	frame, err := d.readFrame()
	if err != nil {
		return fmt.Errorf("os3000: handshake: %w: %w", ErrConnectionTest, err)
	}
	if len(frame) != testFrameLen || frame[0] != testAck {
		return fmt.Errorf("os3000: handshake response % X: %w", frame, ErrConnectionTest)
	}
	return nil
}

// ReadConditions fetches the measurement condition record for ch: a fixed
// 68-byte comma-separated text line describing the front panel state.
func (d *Driver) ReadConditions(ch Channel) (string, error) {
	if err := d.send(conditionCommand(ch)); err != nil {
		return "", err
	}
	d.clock.Sleep(conditionSettle)
	frame, err := d.readFrame()
	if err != nil {
		return "", fmt.Errorf("os3000: condition record: %w: %w", ErrConditionFrame, err)
	}
	if len(frame) != conditionFrameLen {
		return "", fmt.Errorf("os3000: condition record length %d, want %d: %w",
			len(frame), conditionFrameLen, ErrConditionFrame)
	}
	if !utf8.Valid(frame) {
		return "", fmt.Errorf("os3000: condition record is not valid text: %w", ErrConditionFrame)
	}
	d.conditions = string(frame)
	log.Debug().Str("record", d.conditions).Msg("os3000: condition record")
	return d.conditions, nil
}

// ReadWaveform pulls the sample memory window [start, end) for ch and
// returns the raw payload bytes after the 14-byte header. The returned slice
// aliases the driver's frame buffer and is only valid until the next command.
func (d *Driver) ReadWaveform(ch Channel, start, end int) ([]byte, error) {
	if err := d.send(waveformCommand(ch, start, end)); err != nil {
		return nil, err
	}
	d.clock.Sleep(waveformSettle)
	frame, err := d.readFrame()
	if err != nil {
		return nil, fmt.Errorf("os3000: waveform frame: %w: %w", ErrWaveformFrame, err)
	}
	want := (end - start) + waveformHeaderLen + 1
	if len(frame) != want {
		return nil, fmt.Errorf("os3000: waveform frame length %d, want %d: %w",
			len(frame), want, ErrWaveformFrame)
	}
	data := frame[:len(frame)-1]
	return data[waveformHeaderLen : end-start], nil
}

// Capture runs a full acquisition cycle: handshake, condition record,
// waveform, scaling. Samples come back in display units; the slice always
// holds waveformEnd entries with a zero tail past the decoded payload.
func (d *Driver) Capture(ch Channel, scaleFactor float64) (*CaptureResult, error) {
	if err := d.TestConnection(); err != nil {
		return nil, err
	}
	d.clock.Sleep(postTestSettle)
	record, err := d.ReadConditions(ch)
	if err != nil {
		return nil, err
	}
	timePerDiv, voltsPerDiv, err := ParseScaleUnits(record)
	if err != nil {
		return nil, err
	}
	d.clock.Sleep(postParseSettle)
	payload, err := d.ReadWaveform(ch, waveformStart, waveformEnd)
	if err != nil {
		return nil, err
	}

	scaled := ScaleWaveform(payload, voltsPerDiv.Value, scaleFactor)
	UnitScale(scaled, voltsPerDiv)

	result := &CaptureResult{
		Success:     true,
		Command:     CommandWaveform,
		Conditions:  record,
		TimePerDiv:  timePerDiv,
		VoltsPerDiv: voltsPerDiv,
		Samples:     make([]float64, waveformEnd),
	}
	copy(result.Samples, scaled)
	return result, nil
}

// Recover settles the line after a failed cycle: wait out the instrument,
// drain whatever it was still sending, and forget the pending command.
func (d *Driver) Recover() {
	d.clock.Sleep(recoverDelay)
	d.drain("recover")
	d.cmd = d.cmd[:0]
}

func (d *Driver) send(command string) error {
	d.cmd = append(d.cmd[:0], command...)
	if _, err := d.port.Write(d.cmd); err != nil {
		return fmt.Errorf("os3000: send %q: %w: %w", command, ErrWrite, err)
	}
	log.Debug().Str("cmd", fmt.Sprintf("% X", d.cmd)).Msg("os3000: sent")
	return nil
}

// readFrame collects single bytes until the carriage-return terminator. The
// returned slice includes the terminator and aliases the frame buffer.
func (d *Driver) readFrame() ([]byte, error) {
	d.frame = d.frame[:0]
	for {
		n, err := d.port.Read(d.rd[:])
		if err != nil {
			return nil, fmt.Errorf("read after %d bytes: %w", len(d.frame), err)
		}
		if n == 0 {
			return nil, fmt.Errorf("read timeout after %d bytes", len(d.frame))
		}
		d.frame = append(d.frame, d.rd[0])
		if d.rd[0] == frameTerminator {
			log.Debug().Int("len", len(d.frame)).Msg("os3000: frame received")
			return d.frame, nil
		}
	}
}

// drain reads and discards pending input until the line goes quiet, then
// restores the normal read timeout.
func (d *Driver) drain(label string) {
	if d.port == nil {
		return
	}
	if err := d.port.ResetInputBuffer(); err != nil {
		log.Debug().Err(err).Msg("os3000: reset input buffer")
	}
	if err := d.port.SetReadTimeout(drainReadTimeout); err != nil {
		return
	}
	defer func() { _ = d.port.SetReadTimeout(readTimeout) }()

	drained := 0
	buf := make([]byte, 64)
	for {
		n, err := d.port.Read(buf)
		if n == 0 || err != nil {
			break
		}
		if drained == 0 {
			log.Debug().Str("first", fmt.Sprintf("% X", buf[:n])).Str("stage", label).
				Msg("os3000: draining stale input")
		}
		drained += n
	}
	if drained > 0 {
		log.Debug().Int("bytes", drained).Str("stage", label).Msg("os3000: drain done")
	}
}

func conditionCommand(ch Channel) string {
	return fmt.Sprintf("Ro(%d)\r", ch)
}

func waveformCommand(ch Channel, start, end int) string {
	return fmt.Sprintf("R%d(%04d,%04d,B)\r", ch, start, end)
}
