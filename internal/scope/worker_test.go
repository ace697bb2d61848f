package scope_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"

	"github.com/scopedash/scopedash/internal/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWorker(t *testing.T, w *scope.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// countingFactory hands out fresh ports and counts how often the worker
// dials.
type countingFactory struct {
	opens   atomic.Int32
	newPort func() scope.SerialPort
}

func (f *countingFactory) open(string, *serial.Mode) (scope.SerialPort, error) {
	f.opens.Add(1)
	return f.newPort(), nil
}

func simulatedFactory() *countingFactory {
	return &countingFactory{newPort: func() scope.SerialPort { return &scope.SimulatedPort{} }}
}

func runConfig(command scope.Command) scope.CaptureConfig {
	return scope.CaptureConfig{
		OpenPort:    true,
		RunCapture:  true,
		Command:     command,
		PortName:    "demo",
		BaudRate:    9600,
		Channel:     scope.ChannelDisplay1,
		ScaleFactor: 1,
	}
}

func awaitStatus(t *testing.T, w *scope.Worker, want scope.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := w.Status()
		return ok && st == want
	}, 10*time.Second, 2*time.Millisecond, "status %v never observed", want)
}

func awaitResult(t *testing.T, w *scope.Worker, match func(*scope.CaptureResult) bool) *scope.CaptureResult {
	t.Helper()
	var res *scope.CaptureResult
	require.Eventually(t, func() bool {
		r, ok := w.Result()
		if ok && match(r) {
			res = r
			return true
		}
		return false
	}, 10*time.Second, 2*time.Millisecond)
	return res
}

func TestWorkerIdlesUntilOpened(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := simulatedFactory()
	w := scope.NewWorker(factory.open, clk)
	startWorker(t, w)

	awaitStatus(t, w, scope.StatusIdle)
	assert.Zero(t, factory.opens.Load(), "idle worker must not dial")
}

func TestWorkerActsOnNewestConfig(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := simulatedFactory()
	w := scope.NewWorker(factory.open, clk)

	// Pushed before the worker runs: only the last snapshot may count.
	w.UpdateConfig(runConfig(scope.CommandTest))
	w.UpdateConfig(runConfig(scope.CommandWaveform))
	w.UpdateConfig(scope.CaptureConfig{})

	startWorker(t, w)
	awaitStatus(t, w, scope.StatusIdle)
	assert.Zero(t, factory.opens.Load(), "superseded snapshots must not open the port")
}

func TestWorkerTestCycle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	w := scope.NewWorker(scope.SimulatedPortFactory, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandTest))

	res := awaitResult(t, w, func(r *scope.CaptureResult) bool { return r.Success })
	assert.Equal(t, scope.CommandTest, res.Command)
	assert.Empty(t, res.Samples)
	awaitStatus(t, w, scope.StatusTestOK)
}

func TestWorkerConditionsCycle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	w := scope.NewWorker(scope.SimulatedPortFactory, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandConditions))

	res := awaitResult(t, w, func(r *scope.CaptureResult) bool { return r.Success })
	assert.Equal(t, scope.CommandConditions, res.Command)
	assert.Contains(t, res.Conditions, "1ms")
	assert.Equal(t, scope.ValueUnitPair{Value: 1, UnitMult: 1e3, UnitName: "ms"}, res.TimePerDiv)
	assert.Equal(t, scope.ValueUnitPair{Value: 5, UnitMult: 1e3, UnitName: "mV"}, res.VoltsPerDiv)
	assert.Empty(t, res.Samples)
}

func TestWorkerWaveformCycle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	w := scope.NewWorker(scope.SimulatedPortFactory, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandWaveform))

	res := awaitResult(t, w, func(r *scope.CaptureResult) bool { return r.Success })
	assert.Equal(t, scope.CommandWaveform, res.Command)
	require.Len(t, res.Samples, 1000)
	for i, v := range res.Samples[:986] {
		require.Contains(t, []float64{0, -10000}, v, "sample %d", i)
	}
	for i := 986; i < 1000; i++ {
		require.Zero(t, res.Samples[i], "tail sample %d", i)
	}
	awaitStatus(t, w, scope.StatusWaveformOK)
}

func TestWorkerFailureStatuses(t *testing.T) {
	tests := []struct {
		name    string
		command scope.Command
		script  func(p *mockPort)
		want    scope.Status
	}{
		{
			name:    "silent instrument",
			command: scope.CommandTest,
			script:  func(*mockPort) {},
			want:    scope.StatusTestFailed,
		},
		{
			name:    "undecodable conditions",
			command: scope.CommandWaveform,
			script: func(p *mockPort) {
				p.reply("S1", []byte{0x41, 0x0D})
				p.reply("Ro(1)", conditionFrame("CH1,AC,1.00,XXX,100,DC,1.00,YYY,OFF,0.5,INT,NORM,RUN,EDGE"))
			},
			want: scope.StatusConditionsFailed,
		},
		{
			name:    "truncated waveform",
			command: scope.CommandWaveform,
			script: func(p *mockPort) {
				p.reply("S1", []byte{0x41, 0x0D})
				p.reply("Ro(1)", conditionFrame(demoRecord))
				p.reply("R1(0000,1000,B)", waveformReply("R1,0000,1000,B", make([]byte, 500)))
			},
			want: scope.StatusWaveformFailed,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			clk := clockwork.NewFakeClock()
			startAutoAdvance(t, clk)
			factory := &countingFactory{newPort: func() scope.SerialPort {
				p := newMockPort()
				tt.script(p)
				return p
			}}
			w := scope.NewWorker(factory.open, clk)
			startWorker(t, w)
			w.UpdateConfig(runConfig(tt.command))

			res := awaitResult(t, w, func(r *scope.CaptureResult) bool { return !r.Success })
			assert.Equal(t, tt.command, res.Command)
			assert.Empty(t, res.Samples)
			awaitStatus(t, w, tt.want)
		})
	}
}

func TestWorkerReopensAfterFailure(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := &countingFactory{newPort: func() scope.SerialPort { return newMockPort() }}
	w := scope.NewWorker(factory.open, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandTest))

	require.Eventually(t, func() bool {
		return factory.opens.Load() >= 2
	}, 10*time.Second, 2*time.Millisecond, "every retry must start from a fresh port")
}

func TestWorkerHoldsPortAcrossCycles(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := simulatedFactory()
	w := scope.NewWorker(factory.open, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandWaveform))

	seen := 0
	require.Eventually(t, func() bool {
		if r, ok := w.Result(); ok && r.Success {
			seen++
		}
		return seen >= 3
	}, 10*time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), factory.opens.Load(), "successful cycles must reuse the open port")
}

func TestWorkerReopensOnSettingsChange(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := simulatedFactory()
	w := scope.NewWorker(factory.open, clk)
	startWorker(t, w)

	cfg := runConfig(scope.CommandTest)
	cfg.BaudRate = 2400
	w.UpdateConfig(cfg)
	awaitResult(t, w, func(r *scope.CaptureResult) bool { return r.Success })

	cfg.BaudRate = 4800
	w.UpdateConfig(cfg)
	require.Eventually(t, func() bool {
		return factory.opens.Load() >= 2
	}, 10*time.Second, 2*time.Millisecond, "a settings change must reopen the port")
}

func TestWorkerOpenFailure(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	factory := func(string, *serial.Mode) (scope.SerialPort, error) {
		return nil, errors.New("no such device")
	}
	w := scope.NewWorker(factory, clk)
	startWorker(t, w)
	w.UpdateConfig(runConfig(scope.CommandTest))

	awaitStatus(t, w, scope.StatusUnknownError)
}

func TestWorkerStopsToIdle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	startAutoAdvance(t, clk)
	w := scope.NewWorker(scope.SimulatedPortFactory, clk)
	startWorker(t, w)

	w.UpdateConfig(runConfig(scope.CommandWaveform))
	awaitResult(t, w, func(r *scope.CaptureResult) bool { return r.Success })

	w.UpdateConfig(scope.CaptureConfig{})
	awaitStatus(t, w, scope.StatusIdle)
}
