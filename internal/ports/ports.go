// Package ports enumerates the host's serial devices so the dashboard can
// offer a port picker and the capture path can auto-select a likely scope.
package ports

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

const refreshInterval = 2 * time.Second

// Info describes one serial device.
type Info struct {
	Name    string `json:"name"`
	IsUSB   bool   `json:"is_usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// Lister returns the host's serial devices. Tests swap in their own.
type Lister func() ([]Info, error)

// SystemLister reads the detailed port list from the OS.
func SystemLister() ([]Info, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(details))
	for _, d := range details {
		infos = append(infos, Info{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Watcher keeps a periodically refreshed snapshot of the device list.
type Watcher struct {
	lister   Lister
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.RWMutex
	list []Info
}

// NewWatcher builds a watcher. A nil lister reads from the OS; a nil clock
// uses wall time.
func NewWatcher(lister Lister, clock clockwork.Clock) *Watcher {
	if lister == nil {
		lister = SystemLister
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{lister: lister, clock: clock, interval: refreshInterval}
}

// Run refreshes the device list until ctx is cancelled. One refresh happens
// immediately so List has data before the first tick.
func (w *Watcher) Run(ctx context.Context) {
	w.refresh()
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.refresh()
		}
	}
}

// List returns a copy of the most recent device list.
func (w *Watcher) List() []Info {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Info, len(w.list))
	copy(out, w.list)
	return out
}

func (w *Watcher) refresh() {
	list, err := w.lister()
	if err != nil {
		log.Debug().Err(err).Msg("ports: enumerate")
		return
	}
	w.mu.Lock()
	changed := !sameNames(w.list, list)
	w.list = list
	w.mu.Unlock()
	if changed {
		log.Info().Strs("ports", Names(list)).Msg("ports: device list changed")
	}
}

// Names flattens a device list to its port paths.
func Names(list []Info) []string {
	names := make([]string, len(list))
	for i, p := range list {
		names[i] = p.Name
	}
	return names
}

func sameNames(a, b []Info) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

// DefaultPort picks the device a scope is most likely attached to: the first
// USB serial adapter, otherwise the first port, otherwise empty.
func DefaultPort(list []Info) string {
	for _, p := range list {
		if strings.HasPrefix(p.Name, "/dev/ttyUSB") || strings.HasPrefix(p.Name, "/dev/ttyACM") {
			return p.Name
		}
	}
	if len(list) > 0 {
		return list[0].Name
	}
	return ""
}
