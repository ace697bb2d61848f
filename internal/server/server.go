package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/scopedash/scopedash/internal/interp"
	"github.com/scopedash/scopedash/internal/logger"
	"github.com/scopedash/scopedash/internal/monitor"
	"github.com/scopedash/scopedash/internal/ports"
	"github.com/scopedash/scopedash/internal/publish"
	"github.com/scopedash/scopedash/internal/scope"
)

// Server drives the capture worker from user input and broadcasts status,
// processed traces and port lists to WebSocket clients.
type Server struct {
	cfg     *Config
	worker  *scope.Worker
	watcher *ports.Watcher
	webFS   fs.FS

	captureLog *logger.CaptureLog // optional CSV log
	publisher  *publish.Publisher // optional Redis publisher

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Runtime capture state. The config file holds the preferences; whether
	// the loop is actually running lives here.
	stateMu     sync.Mutex
	running     bool
	single      bool
	lastStatus  scope.Status
	lastCapture *CaptureFrame
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status  *StatusFrame    `json:"status,omitempty"`
	Capture *CaptureFrame   `json:"capture,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Ports   []ports.Info    `json:"ports,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// StatusFrame reports the capture loop state.
type StatusFrame struct {
	Status  scope.Status `json:"status"` // marshals as the status line text
	Running bool         `json:"running"`
}

// CaptureFrame carries one processed capture. Samples is the display trace
// after resampling; Average is the optional moving-average overlay.
type CaptureFrame struct {
	Success     bool                `json:"success"`
	Command     scope.Command       `json:"command"`
	Conditions  string              `json:"conditions,omitempty"`
	TimePerDiv  scope.ValueUnitPair `json:"time_per_div"`
	VoltsPerDiv scope.ValueUnitPair `json:"volts_per_div"`
	Samples     []float64           `json:"samples,omitempty"`
	Average     []float64           `json:"average,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, worker *scope.Worker, watcher *ports.Watcher, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		worker:  worker,
		watcher: watcher,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		lastStatus: scope.StatusIdle,
	}
}

// SetCaptureLog attaches a CSV capture log. Call before Run.
func (s *Server) SetCaptureLog(cl *logger.CaptureLog) { s.captureLog = cl }

// SetPublisher attaches a Redis capture publisher. Call before Run.
func (s *Server) SetPublisher(p *publish.Publisher) { s.publisher = p }

// Run starts the HTTP server and the worker pump.
func (s *Server) Run(ctx context.Context) error {
	mux := s.routes()

	// Hand the worker its first snapshot so it idles on the right port.
	s.pushCaptureConfig()

	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// REST API
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)

	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	monitor.WSClients.Inc()
	log.Info().Int("total", total).Msg("ws client connected")

	// Initial state: config, status and ports, then the last trace if any.
	hello := Frame{
		Status: s.statusFrame(),
		Ports:  s.watcher.List(),
		Stamp:  time.Now().UnixMilli(),
	}
	if cfgJSON, err := s.cfg.ToJSON(); err == nil {
		hello.Config = cfgJSON
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.stateMu.Lock()
	last := s.lastCapture
	s.stateMu.Unlock()
	if last != nil {
		if data, err := json.Marshal(Frame{Capture: last, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			monitor.WSClients.Dec()
			log.Info().Int("total", total).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Error().Err(err).Msg("config save failed")
		}

		// The worker and all clients see the new settings immediately
		s.pushCaptureConfig()
		frame := Frame{Stamp: time.Now().UnixMilli()}
		if cfgJSON, err := s.cfg.ToJSON(); err == nil {
			frame.Config = cfgJSON
		}
		s.broadcast(frame)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleCapture starts and stops the capture loop. "start" honours the
// configured single flag, "single" forces one capture, "stop" halts.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	scfg, _ := s.cfg.Snapshot()
	s.stateMu.Lock()
	switch req.Action {
	case "start":
		s.running = true
		s.single = scfg.Single
	case "single":
		s.running = true
		s.single = true
	case "stop":
		s.running = false
		s.single = false
	default:
		s.stateMu.Unlock()
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), 400)
		return
	}
	s.stateMu.Unlock()

	s.pushCaptureConfig()
	s.broadcastStatus()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.statusFrame())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.watcher.List())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// pollLoop pumps worker status changes and results out to clients and
// watches the port list for changes.
func (s *Server) pollLoop(ctx context.Context) {
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	var lastPorts []string

	for {
		select {
		case <-ctx.Done():
			if s.captureLog != nil {
				s.captureLog.Close()
			}
			return
		case <-poll.C:
			if st, ok := s.worker.Status(); ok {
				s.stateMu.Lock()
				s.lastStatus = st
				s.stateMu.Unlock()
				s.broadcastStatus()
			}

			if res, ok := s.worker.Result(); ok {
				s.handleResult(ctx, res)
			}

			list := s.watcher.List()
			if names := ports.Names(list); !sameStrings(names, lastPorts) {
				lastPorts = names
				s.broadcast(Frame{Ports: list, Stamp: time.Now().UnixMilli()})
			}
		}
	}
}

// handleResult processes one worker result: resample for display, remember
// it for late-joining clients, clear single-shot state, then log and publish.
func (s *Server) handleResult(ctx context.Context, res *scope.CaptureResult) {
	scfg, disp := s.cfg.Snapshot()
	ch := scope.Channel(scfg.Channel)

	frame := &CaptureFrame{
		Success:     res.Success,
		Command:     res.Command,
		Conditions:  res.Conditions,
		TimePerDiv:  res.TimePerDiv,
		VoltsPerDiv: res.VoltsPerDiv,
	}
	if res.Success && res.Command == scope.CommandWaveform && len(res.Samples) > 0 {
		frame.Samples = displayTrace(res, disp)
		if disp.Average && len(frame.Samples) > 0 {
			frame.Average = interp.MovingAverage(frame.Samples, disp.AverageWindow)
		}
	}

	s.stateMu.Lock()
	s.lastCapture = frame
	cleared := false
	if s.single {
		s.running = false
		s.single = false
		cleared = true
	}
	s.stateMu.Unlock()

	s.broadcast(Frame{Capture: frame, Stamp: time.Now().UnixMilli()})
	if cleared {
		s.pushCaptureConfig()
		s.broadcastStatus()
	}

	if s.captureLog != nil {
		if err := s.captureLog.Log(ch, res); err != nil {
			log.Warn().Err(err).Msg("capture log write failed")
		}
	}
	if s.publisher != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.publisher.Publish(pubCtx, ch, res); err != nil {
				log.Warn().Err(err).Msg("capture publish failed")
			}
		}()
	}
}

// displayTrace runs a raw capture through the display pipeline: a linear
// pre-pass to densify the trace, then the configured kernel.
func displayTrace(res *scope.CaptureResult, disp DisplayConfig) []float64 {
	kernel, err := interp.ParseKernel(disp.Kernel)
	if err != nil {
		kernel = interp.Linear
	}
	tpd := res.TimePerDiv.Value
	if tpd <= 0 {
		tpd = 1
	}

	out := res.Samples
	if disp.PreSamples > 0 {
		out = interp.Resample(out, tpd, disp.PreSamples, disp.PreStep, interp.Linear)
	}
	return interp.Resample(out, tpd, disp.Samples, disp.Step, kernel)
}

// pushCaptureConfig hands the worker a fresh snapshot of everything the next
// cycle needs. Called whenever the config or the run state changes.
func (s *Server) pushCaptureConfig() {
	scfg, _ := s.cfg.Snapshot()

	s.stateMu.Lock()
	running := s.running
	single := s.single
	s.stateMu.Unlock()

	cmd, err := scope.ParseCommand(scfg.Command)
	if err != nil {
		cmd = scope.CommandWaveform
	}

	s.worker.UpdateConfig(scope.CaptureConfig{
		OpenPort:    running,
		RunCapture:  running,
		Single:      single,
		Command:     cmd,
		PortName:    s.resolvePort(scfg.PortPath),
		BaudRate:    scfg.BaudRate,
		TwoStopBits: scfg.TwoStopBits,
		Channel:     scope.Channel(scfg.Channel),
		ScaleFactor: scfg.ScaleFactor,
	})
}

// resolvePort falls back to the first plausible instrument port when no
// path is configured.
func (s *Server) resolvePort(path string) string {
	if path != "" {
		return path
	}
	return ports.DefaultPort(s.watcher.List())
}

func (s *Server) statusFrame() *StatusFrame {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return &StatusFrame{Status: s.lastStatus, Running: s.running}
}

func (s *Server) broadcastStatus() {
	s.broadcast(Frame{Status: s.statusFrame(), Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
