package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	require.False(t, s.Fired())

	fired := 0
	s.OnFire(func() { fired++ })

	s.Fire()
	assert.True(t, s.Fired())
	assert.Equal(t, 1, fired)

	// Idempotent: a second fire has no observable effect.
	s.Fire()
	assert.Equal(t, 1, fired)
}

func TestSignalLateListenerRunsImmediately(t *testing.T) {
	s := NewSignal()
	s.Fire()

	fired := 0
	s.OnFire(func() { fired++ })
	assert.Equal(t, 1, fired, "listener registered after the fire must run synchronously")
}

func TestSignalMultipleListeners(t *testing.T) {
	s := NewSignal()
	var order []string
	s.OnFire(func() { order = append(order, "a") })
	s.OnFire(func() { order = append(order, "b") })

	s.Fire()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSignalListenerMayRegisterElsewhere(t *testing.T) {
	a := NewSignal()
	b := NewSignal()

	chained := false
	a.OnFire(func() {
		b.OnFire(func() { chained = true })
	})

	a.Fire()
	b.Fire()
	assert.True(t, chained)
}

func TestHandleLifecycle(t *testing.T) {
	h := New("cell_a", "payload")

	assert.Equal(t, "cell_a", h.Owner())
	assert.Equal(t, uint64(0), h.Generation())
	assert.True(t, h.ReuseEligible())
	assert.Equal(t, "payload", h.Payload)
	require.NotNil(t, h.Invalidation())
	assert.False(t, h.Invalidation().Fired())

	h.Advance(3)
	assert.Equal(t, uint64(3), h.Generation())

	h.Retire()
	assert.False(t, h.ReuseEligible())
}
