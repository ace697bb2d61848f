package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopedash/scopedash/internal/scope"
)

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	p, err := New(ctx, Options{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestMessageShape(t *testing.T) {
	msg := Message{
		Stamp:   1700000000,
		Command: scope.CommandWaveform,
		Success: true,
		Channel: scope.ChannelDisplay1,
		TimePerDiv: scope.ValueUnitPair{
			Value:    1,
			UnitMult: 1e3,
			UnitName: "ms",
		},
		VoltsPerDiv: scope.ValueUnitPair{
			Value:    5,
			UnitMult: 1e3,
			UnitName: "mV",
		},
		Samples: []float64{0, -10, 10},
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, float64(1700000000), decoded["stamp"])
	assert.Equal(t, "waveform", decoded["command"])
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, float64(scope.ChannelDisplay1), decoded["channel"])
	assert.Equal(t, []any{0.0, -10.0, 10.0}, decoded["samples"])

	tpd, ok := decoded["time_per_div"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, tpd["value"])
	assert.Equal(t, 1000.0, tpd["unit_mult"])
	assert.Equal(t, "ms", tpd["unit_name"])

	vpd, ok := decoded["volts_per_div"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mV", vpd["unit_name"])

	_, present := decoded["conditions"]
	assert.False(t, present, "empty conditions should be omitted")
}

func TestMessageCarriesConditions(t *testing.T) {
	msg := Message{
		Stamp:      1,
		Command:    scope.CommandConditions,
		Success:    true,
		Channel:    scope.ChannelDisplay1,
		Conditions: "CH1,AC,1.00,1ms\r",
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "CH1,AC,1.00,1ms\r", decoded["conditions"])
}
