package scope

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Demo waveform shape: a rectangle wave built from the floor of a slow sine,
// so consecutive captures show a moving square trace.
const (
	demoPeriod     = 4.0
	demoAmplitude  = 50 // sample counts below the 128 zero line
	demoPhaseStep  = 64
	demoRecordBase = "CH1,AC,1.00,1ms,100,DC,1.00,5mV,OFF,0.5,INT,NORM,RUN,EDGE"
)

// SimulatedPort answers the OS3000 command set without hardware so the whole
// capture path can run in demo mode. It implements SerialPort.
type SimulatedPort struct {
	mu      sync.Mutex
	pending []byte
	closed  bool
	phase   int
}

// SimulatedPortFactory ignores the path and mode and hands out a fresh
// simulated instrument.
func SimulatedPortFactory(_ string, _ *serial.Mode) (SerialPort, error) {
	return &SimulatedPort{}, nil
}

// Write parses one command and queues the instrument's answer. Unknown
// commands get no answer, which reads back as a timeout.
func (p *SimulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("simulated port is closed")
	}
	cmd := strings.TrimSuffix(string(b), "\r")
	switch {
	case cmd == "S1":
		p.pending = append(p.pending, testAck, frameTerminator)
	case strings.HasPrefix(cmd, "Ro("):
		p.pending = append(p.pending, demoConditionRecord()...)
	default:
		var ch, start, end int
		if n, _ := fmt.Sscanf(cmd, "R%d(%d,%d,B)", &ch, &start, &end); n == 3 && end > start {
			p.pending = append(p.pending, p.waveformFrame(ch, start, end)...)
			p.phase += demoPhaseStep
		}
	}
	return len(b), nil
}

// Read pops queued response bytes. An empty queue reads as a serial timeout:
// zero bytes, no error.
func (p *SimulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("simulated port is closed")
	}
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *SimulatedPort) SetReadTimeout(time.Duration) error { return nil }

func (p *SimulatedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = p.pending[:0]
	return nil
}

// demoConditionRecord builds a condition frame with a 1ms sweep and a 5mV
// vertical scale, space-padded to the protocol's fixed length.
func demoConditionRecord() []byte {
	buf := make([]byte, 0, conditionFrameLen)
	buf = append(buf, demoRecordBase...)
	for len(buf) < conditionFrameLen-1 {
		buf = append(buf, ' ')
	}
	return append(buf, frameTerminator)
}

// waveformFrame answers an R command: 14 header bytes, one sample byte per
// requested address, terminator.
func (p *SimulatedPort) waveformFrame(ch, start, end int) []byte {
	count := end - start
	frame := make([]byte, 0, waveformHeaderLen+count+1)
	frame = append(frame, fmt.Sprintf("R%d,%04d,%04d,B", ch, start, end)...)
	for x := 1; x <= count; x++ {
		rect := math.Floor(math.Sin(float64(x+p.phase) / (32.0 * demoPeriod)))
		frame = append(frame, byte(128-int(rect)*demoAmplitude))
	}
	return append(frame, frameTerminator)
}
