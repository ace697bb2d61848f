package scope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopedash/scopedash/internal/scope"
)

func TestMailboxEmpty(t *testing.T) {
	t.Parallel()
	var m scope.Mailbox[int]
	v, ok := m.Take()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestMailboxPutTake(t *testing.T) {
	t.Parallel()
	var m scope.Mailbox[int]
	m.Put(7)
	v, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = m.Take()
	assert.False(t, ok, "take must empty the slot")
}

func TestMailboxKeepsNewest(t *testing.T) {
	t.Parallel()
	var m scope.Mailbox[scope.Status]
	m.Put(scope.StatusTestingConnection)
	m.Put(scope.StatusTestOK)
	m.Put(scope.StatusGettingWaveform)

	v, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, scope.StatusGettingWaveform, v)

	_, ok = m.Take()
	assert.False(t, ok)
}

func TestMailboxClearsReference(t *testing.T) {
	t.Parallel()
	var m scope.Mailbox[*scope.CaptureResult]
	m.Put(&scope.CaptureResult{Success: true})
	_, ok := m.Take()
	require.True(t, ok)

	v, ok := m.Take()
	assert.False(t, ok)
	assert.Nil(t, v)
}
