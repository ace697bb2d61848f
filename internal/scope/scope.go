// Package scope drives OS3000-series oscilloscopes over a serial link:
// protocol framing, condition parsing, waveform scaling, and the capture
// worker that runs acquisition cycles in the background.
package scope

import "encoding/json"

// Channel identifies one of the instrument's four trace memories. The
// numeric value is what goes into the wire command.
type Channel int

const (
	ChannelDisplay1 Channel = 1
	ChannelDisplay2 Channel = 2
	ChannelSave1    Channel = 3
	ChannelSave2    Channel = 4
)

// Channels lists the selectable channels in display order.
var Channels = []Channel{ChannelDisplay1, ChannelDisplay2, ChannelSave1, ChannelSave2}

func (c Channel) String() string {
	switch c {
	case ChannelDisplay1:
		return "Display 1"
	case ChannelDisplay2:
		return "Display 2"
	case ChannelSave1:
		return "Save 1"
	case ChannelSave2:
		return "Save 2"
	}
	return "unknown"
}

// Valid reports whether c maps to a real trace memory.
func (c Channel) Valid() bool { return c >= ChannelDisplay1 && c <= ChannelSave2 }

// Command selects what a capture cycle asks the instrument for. A snapshot
// carries exactly one.
type Command string

const (
	// CommandTest runs the S1 handshake only.
	CommandTest Command = "test"
	// CommandConditions fetches and decodes the measurement condition record.
	CommandConditions Command = "conditions"
	// CommandWaveform runs the full acquisition: handshake, conditions,
	// sample memory, scaling.
	CommandWaveform Command = "waveform"
)

// ParseCommand maps a config string onto a Command.
func ParseCommand(s string) (Command, error) {
	switch Command(s) {
	case CommandTest, CommandConditions, CommandWaveform:
		return Command(s), nil
	}
	return "", errUnknownCommand(s)
}

// ValueUnitPair is a decoded condition token: the printed value, the
// multiplier that converts it to base units, and the unit's name.
type ValueUnitPair struct {
	Value    float64 `json:"value"`
	UnitMult float64 `json:"unit_mult"`
	UnitName string  `json:"unit_name"`
}

// CaptureConfig is one immutable snapshot of everything the worker needs for
// a cycle. The foreground builds a fresh value per change and hands it over;
// nothing in it is shared.
type CaptureConfig struct {
	OpenPort    bool    `json:"open_port"`
	RunCapture  bool    `json:"run_capture"`
	Single      bool    `json:"single"`
	Command     Command `json:"command"`
	PortName    string  `json:"port_name"`
	BaudRate    int     `json:"baud_rate"`
	TwoStopBits bool    `json:"two_stop_bits"`
	Channel     Channel `json:"channel"`
	ScaleFactor float64 `json:"scale_factor"`
}

// CaptureResult is the outcome of one cycle. For waveform captures Samples
// always holds 1000 entries; the 986 decoded values sit at the front and the
// tail stays zero.
type CaptureResult struct {
	Success     bool          `json:"success"`
	Command     Command       `json:"command"`
	Conditions  string        `json:"conditions,omitempty"`
	TimePerDiv  ValueUnitPair `json:"time_per_div"`
	VoltsPerDiv ValueUnitPair `json:"volts_per_div"`
	Samples     []float64     `json:"samples,omitempty"`
}

// Status is the worker's externally visible state. Values marshal as the
// dashboard's status line text.
type Status int

const (
	StatusIdle Status = iota
	StatusTestingConnection
	StatusTestFailed
	StatusTestOK
	StatusGettingConditions
	StatusConditionsFailed
	StatusGettingWaveform
	StatusWaveformFailed
	StatusWaveformOK
	StatusUnknownError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusTestingConnection:
		return "Testing Connection"
	case StatusTestFailed:
		return "Connection Failed"
	case StatusTestOK:
		return "Connection Successful"
	case StatusGettingConditions:
		return "Getting Measurement Conditions"
	case StatusConditionsFailed:
		return "Failed to get Measurement Conditions"
	case StatusGettingWaveform:
		return "Getting Waveform"
	case StatusWaveformFailed:
		return "Failed to get Waveform"
	case StatusWaveformOK:
		return "Waveform captured"
	}
	return "undefined"
}

// MarshalJSON emits the status line text.
func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }
