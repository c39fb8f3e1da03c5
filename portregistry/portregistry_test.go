package portregistry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/errors"
)

func TestRegistry_TryReserveAndRelease(t *testing.T) {
	r := New()

	assert.True(t, r.TryReserve(14043))
	assert.False(t, r.TryReserve(14043))
	assert.True(t, r.InUse(14043))

	r.Release(14043)
	assert.False(t, r.InUse(14043))
	assert.True(t, r.TryReserve(14043))

	r.Release(9999) // unknown port is a no-op
}

func TestRegistry_Reserve(t *testing.T) {
	r := New()

	res, err := r.Reserve(14043)
	require.NoError(t, err)
	assert.Equal(t, 14043, res.Port())

	_, err = r.Reserve(14043)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.True(t, errors.IsFatal(err))

	res.Release()
	res.Release()
	assert.False(t, r.InUse(14043))

	again, err := r.Reserve(14043)
	require.NoError(t, err)
	again.Release()
}

func TestRegistry_ReserveOutOfRange(t *testing.T) {
	r := New()
	for _, p := range []int{0, -1, 65536} {
		_, err := r.Reserve(p)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestRegistry_StaleReleaseDoesNotFreeNewHolder(t *testing.T) {
	r := New()

	first, err := r.Reserve(14043)
	require.NoError(t, err)
	first.Release()

	second, err := r.Reserve(14043)
	require.NoError(t, err)

	first.Release() // already released once; must not free second's hold
	assert.True(t, r.InUse(14043))
	second.Release()
}

func TestRegistry_ConcurrentReserveExactlyOneWins(t *testing.T) {
	r := New()
	const contenders = 32

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := r.Reserve(14043); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistry_Ports(t *testing.T) {
	r := New()
	r.TryReserve(14045)
	r.TryReserve(14043)
	r.TryReserve(14044)
	assert.Equal(t, []int{14043, 14044, 14045}, r.Ports())

	var nilRes *Reservation
	assert.NotPanics(t, nilRes.Release)
}
