package ports_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scopedash/scopedash/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWatcher(t *testing.T, w *ports.Watcher) {
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

func TestWatcherRefreshesImmediately(t *testing.T) {
	clk := clockwork.NewFakeClock()
	w := ports.NewWatcher(func() ([]ports.Info, error) {
		return []ports.Info{{Name: "/dev/ttyS0"}}, nil
	}, clk)
	startWatcher(t, w)

	require.Eventually(t, func() bool {
		return len(w.List()) == 1
	}, 2*time.Second, 5*time.Millisecond, "the first refresh must not wait for a tick")
}

func TestWatcherPicksUpChangesOnTicks(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var mu sync.Mutex
	list := []ports.Info{{Name: "/dev/ttyS0"}}
	lister := func() ([]ports.Info, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]ports.Info, len(list))
		copy(out, list)
		return out, nil
	}
	w := ports.NewWatcher(lister, clk)
	startWatcher(t, w)
	require.Eventually(t, func() bool {
		return len(w.List()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	list = append(list, ports.Info{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"})
	mu.Unlock()

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return len(w.List()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/dev/ttyUSB0", ports.DefaultPort(w.List()))
}

func TestWatcherKeepsListOnListerError(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var calls atomic.Int32
	lister := func() ([]ports.Info, error) {
		if calls.Add(1) == 1 {
			return []ports.Info{{Name: "/dev/ttyUSB0", IsUSB: true}}, nil
		}
		return nil, errors.New("sysfs scan failed")
	}
	w := ports.NewWatcher(lister, clk)
	startWatcher(t, w)
	require.Eventually(t, func() bool {
		return len(w.List()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, w.List(), 1, "a failed scan must not wipe the last good list")
}

func TestListReturnsACopy(t *testing.T) {
	clk := clockwork.NewFakeClock()
	w := ports.NewWatcher(func() ([]ports.Info, error) {
		return []ports.Info{{Name: "/dev/ttyS0"}}, nil
	}, clk)
	startWatcher(t, w)
	require.Eventually(t, func() bool {
		return len(w.List()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := w.List()
	got[0].Name = "/dev/mutated"
	assert.Equal(t, "/dev/ttyS0", w.List()[0].Name)
}

func TestNames(t *testing.T) {
	t.Parallel()
	assert.Empty(t, ports.Names(nil))
	assert.Equal(t, []string{"/dev/ttyS0", "/dev/ttyUSB0"}, ports.Names([]ports.Info{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0"},
	}))
}

func TestDefaultPort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		list []ports.Info
		want string
	}{
		{"empty", nil, ""},
		{"first port fallback", []ports.Info{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyS1"}}, "/dev/ttyS0"},
		{"usb adapter preferred", []ports.Info{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyUSB1", IsUSB: true}}, "/dev/ttyUSB1"},
		{"acm adapter preferred", []ports.Info{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyACM0", IsUSB: true}}, "/dev/ttyACM0"},
		{"windows style", []ports.Info{{Name: "COM3"}}, "COM3"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ports.DefaultPort(tt.list))
		})
	}
}
