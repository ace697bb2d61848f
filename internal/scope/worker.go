package scope

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scopedash/scopedash/internal/monitor"
)

const (
	idleDelay    = 1000 * time.Millisecond
	errorBackoff = 1000 * time.Millisecond
)

// Worker owns the driver and runs capture cycles. Configuration arrives as
// immutable snapshots on a one-deep latest-wins channel; status changes and
// results leave through single-slot mailboxes. The foreground never touches
// the port.
type Worker struct {
	factory SerialPortFactory
	clock   clockwork.Clock

	configs chan CaptureConfig
	status  Mailbox[Status]
	results Mailbox[*CaptureResult]

	// Owned by Run's goroutine.
	driver *Driver
	cfg    CaptureConfig
}

// NewWorker builds a worker. A nil factory opens real serial ports; a nil
// clock uses wall time.
func NewWorker(factory SerialPortFactory, clock clockwork.Clock) *Worker {
	if factory == nil {
		factory = DefaultSerialPortFactory
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		factory: factory,
		clock:   clock,
		configs: make(chan CaptureConfig, 1),
	}
}

// UpdateConfig hands the worker a new snapshot. A pending undelivered
// snapshot is replaced; the worker only ever acts on the newest.
func (w *Worker) UpdateConfig(cfg CaptureConfig) {
	for {
		select {
		case w.configs <- cfg:
			return
		default:
		}
		select {
		case <-w.configs:
		default:
		}
	}
}

// Status returns the most recent undelivered status change.
func (w *Worker) Status() (Status, bool) { return w.status.Take() }

// Result returns the most recent undelivered capture result.
func (w *Worker) Result() (*CaptureResult, bool) { return w.results.Take() }

// Run executes capture cycles until ctx is cancelled. Cancellation is
// observed between cycles and during idle or back-off waits; the settle
// sleeps inside a running command are not interruptible.
func (w *Worker) Run(ctx context.Context) {
	defer w.closeDriver()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.applyPending()

		if !w.cfg.OpenPort {
			w.closeDriver()
		}
		if !w.cfg.OpenPort || !w.cfg.RunCapture {
			w.status.Put(StatusIdle)
			w.wait(ctx, idleDelay)
			continue
		}

		if err := w.ensureDriver(); err != nil {
			log.Error().Err(err).Str("port", w.cfg.PortName).Msg("worker: open port")
			w.status.Put(StatusUnknownError)
			monitor.CaptureCycles.WithLabelValues(string(w.cfg.Command), "error").Inc()
			w.wait(ctx, errorBackoff)
			continue
		}
		w.runCycle(ctx)
	}
}

// applyPending drains the snapshot channel, keeping only the newest.
func (w *Worker) applyPending() {
	for {
		select {
		case cfg := <-w.configs:
			w.cfg = cfg
		default:
			return
		}
	}
}

// runCycle executes exactly one command against the instrument and reports
// the outcome. On failure the port is recovered, closed and reopened on the
// next cycle, so every retry starts from a fresh handshake.
func (w *Worker) runCycle(ctx context.Context) {
	started := w.clock.Now()
	var err error

	switch w.cfg.Command {
	case CommandTest:
		w.status.Put(StatusTestingConnection)
		err = w.driver.TestConnection()
		if err == nil {
			w.status.Put(StatusTestOK)
			w.results.Put(&CaptureResult{Success: true, Command: CommandTest})
		}
	case CommandConditions:
		w.status.Put(StatusGettingConditions)
		var record string
		var timePerDiv, voltsPerDiv ValueUnitPair
		record, err = w.driver.ReadConditions(w.cfg.Channel)
		if err == nil {
			timePerDiv, voltsPerDiv, err = ParseScaleUnits(record)
		}
		if err == nil {
			w.results.Put(&CaptureResult{
				Success:     true,
				Command:     CommandConditions,
				Conditions:  record,
				TimePerDiv:  timePerDiv,
				VoltsPerDiv: voltsPerDiv,
			})
		}
	case CommandWaveform:
		w.status.Put(StatusGettingWaveform)
		scaleFactor := w.cfg.ScaleFactor
		if scaleFactor == 0 {
			scaleFactor = 1
		}
		var result *CaptureResult
		result, err = w.driver.Capture(w.cfg.Channel, scaleFactor)
		if err == nil {
			w.status.Put(StatusWaveformOK)
			w.results.Put(result)
		}
	default:
		w.status.Put(StatusIdle)
		w.wait(ctx, idleDelay)
		return
	}

	monitor.CaptureDuration.Observe(w.clock.Since(started).Seconds())
	if err == nil {
		monitor.CaptureCycles.WithLabelValues(string(w.cfg.Command), "ok").Inc()
		return
	}

	log.Error().Err(err).Str("command", string(w.cfg.Command)).Msg("worker: cycle failed")
	monitor.CaptureCycles.WithLabelValues(string(w.cfg.Command), "error").Inc()
	w.status.Put(failureStatus(err))
	w.results.Put(&CaptureResult{Success: false, Command: w.cfg.Command})
	w.driver.Recover()
	w.closeDriver()
	w.wait(ctx, errorBackoff)
}

// failureStatus maps an error's failure class onto the status the dashboard
// shows for it.
func failureStatus(err error) Status {
	switch {
	case errors.Is(err, ErrConnectionTest):
		return StatusTestFailed
	case errors.Is(err, ErrWaveformFrame):
		return StatusWaveformFailed
	case errors.Is(err, ErrConditionFrame):
		return StatusConditionsFailed
	}
	return StatusUnknownError
}

// ensureDriver makes the held port match the current snapshot, reopening it
// when the line settings changed.
func (w *Worker) ensureDriver() error {
	settings := PortSettings{
		Path:        w.cfg.PortName,
		BaudRate:    w.cfg.BaudRate,
		TwoStopBits: w.cfg.TwoStopBits,
	}
	if w.driver != nil && w.driver.Settings() != settings {
		w.closeDriver()
	}
	if w.driver == nil {
		w.driver = NewDriver(settings, w.factory, w.clock)
	}
	if !w.driver.Connected() {
		if err := w.driver.Open(); err != nil {
			w.driver = nil
			return err
		}
		monitor.Connected.Set(1)
	}
	return nil
}

func (w *Worker) closeDriver() {
	if w.driver == nil {
		return
	}
	if err := w.driver.Close(); err != nil {
		log.Debug().Err(err).Msg("worker: close port")
	}
	w.driver = nil
	monitor.Connected.Set(0)
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.clock.After(d):
	}
}
