package connid

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/quicmigrate/transport"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	return pool
}

func TestAllocateLocal(t *testing.T) {
	pool := newTestPool(t, Config{})

	first, err := pool.AllocateLocal()
	require.NoError(t, err)
	assert.Len(t, first.Bytes, DefaultIDLength)
	assert.Equal(t, uint64(0), first.Sequence)
	assert.True(t, first.Local)

	second, err := pool.AllocateLocal()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Sequence)
	assert.NotEqual(t, first.Bytes, second.Bytes)
}

func TestAllocateLocal_Exhausted(t *testing.T) {
	pool := newTestPool(t, Config{MaxOutstanding: 2})

	_, err := pool.AllocateLocal()
	require.NoError(t, err)
	_, err = pool.AllocateLocal()
	require.NoError(t, err)

	_, err = pool.AllocateLocal()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateLocal_RetirementFreesSlot(t *testing.T) {
	pool := newTestPool(t, Config{MaxOutstanding: 1})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)

	_, err = pool.AllocateLocal()
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, pool.Retire(id.Sequence, true))

	replacement, err := pool.AllocateLocal()
	require.NoError(t, err)
	assert.NotEqual(t, id.Bytes, replacement.Bytes, "retired ID must never be handed out again")
	assert.Equal(t, uint64(1), replacement.Sequence)
}

func TestRegisterPeer(t *testing.T) {
	pool := newTestPool(t, Config{})
	token := [transport.ResetTokenSize]byte{1}

	id, err := pool.RegisterPeer([]byte{1, 2, 3, 4}, 0, token)
	require.NoError(t, err)
	assert.False(t, id.Local)
	assert.Equal(t, token, id.ResetToken)

	_, err = pool.RegisterPeer([]byte{5, 6, 7, 8}, 0, token)
	assert.ErrorIs(t, err, ErrDuplicateSequence)

	_, err = pool.RegisterPeer(nil, 1, token)
	assert.Error(t, err)
}

func TestRetire_Monotonic(t *testing.T) {
	pool := newTestPool(t, Config{})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)

	require.NoError(t, pool.Retire(id.Sequence, true))
	assert.True(t, pool.IsRetired(id.Sequence, true))

	// Retiring twice fails, and the ID stays retired.
	assert.ErrorIs(t, pool.Retire(id.Sequence, true), ErrRetiredID)
	assert.True(t, pool.IsRetired(id.Sequence, true))

	assert.ErrorIs(t, pool.Retire(99, true), ErrUnknownSequence)
}

func TestSetActive(t *testing.T) {
	pool := newTestPool(t, Config{})
	path := transport.PathID(1)

	_, err := pool.ActiveFor(path)
	assert.ErrorIs(t, err, ErrNoActiveID)

	id, err := pool.AllocateLocal()
	require.NoError(t, err)
	require.NoError(t, pool.SetActive(path, id))

	active, err := pool.ActiveFor(path)
	require.NoError(t, err)
	assert.Same(t, id, active)
}

func TestSetActive_RetiredID(t *testing.T) {
	pool := newTestPool(t, Config{})
	path := transport.PathID(1)

	id, err := pool.AllocateLocal()
	require.NoError(t, err)
	require.NoError(t, pool.SetActive(path, id))
	require.NoError(t, pool.Retire(id.Sequence, true))

	// Retirement clears the association and blocks reactivation.
	_, err = pool.ActiveFor(path)
	assert.ErrorIs(t, err, ErrNoActiveID)
	assert.ErrorIs(t, pool.SetActive(path, id), ErrRetiredID)
}

func TestClearActive(t *testing.T) {
	pool := newTestPool(t, Config{})
	path := transport.PathID(7)

	id, err := pool.AllocateLocal()
	require.NoError(t, err)
	require.NoError(t, pool.SetActive(path, id))

	pool.ClearActive(path)
	_, err = pool.ActiveFor(path)
	assert.ErrorIs(t, err, ErrNoActiveID)
}

func TestRetireAfter(t *testing.T) {
	mock := clock.NewMock()
	pool := newTestPool(t, Config{Clock: mock})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)

	pool.RetireAfter(id, 5*time.Second)
	assert.False(t, pool.IsRetired(id.Sequence, true), "ID stays usable through the grace window")

	mock.Add(5 * time.Second)
	assert.True(t, pool.IsRetired(id.Sequence, true))
}

func TestRetireAfter_ZeroGrace(t *testing.T) {
	pool := newTestPool(t, Config{})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)

	pool.RetireAfter(id, 0)
	assert.True(t, pool.IsRetired(id.Sequence, true))
}

func TestWasRecentlyRetired(t *testing.T) {
	pool := newTestPool(t, Config{})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)

	assert.False(t, pool.WasRecentlyRetired(id.Bytes))
	require.NoError(t, pool.Retire(id.Sequence, true))
	assert.True(t, pool.WasRecentlyRetired(id.Bytes))
}

func TestOutstandingLocal(t *testing.T) {
	pool := newTestPool(t, Config{})

	id, err := pool.AllocateLocal()
	require.NoError(t, err)
	_, err = pool.AllocateLocal()
	require.NoError(t, err)
	assert.Equal(t, 2, pool.OutstandingLocal())

	require.NoError(t, pool.Retire(id.Sequence, true))
	assert.Equal(t, 1, pool.OutstandingLocal())
}

func TestNewPool_InvalidConfig(t *testing.T) {
	_, err := NewPool(Config{IDLength: transport.MaxConnectionIDLength + 1})
	assert.Error(t, err)
}

func TestDeriveResetToken(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("test secret"))

	a := DeriveResetToken(secret, []byte{1, 2, 3, 4})
	b := DeriveResetToken(secret, []byte{1, 2, 3, 4})
	assert.Equal(t, a, b, "derivation is deterministic")

	c := DeriveResetToken(secret, []byte{1, 2, 3, 5})
	assert.NotEqual(t, a, c, "different IDs yield different tokens")

	var otherSecret [32]byte
	copy(otherSecret[:], []byte("other secret"))
	d := DeriveResetToken(otherSecret, []byte{1, 2, 3, 4})
	assert.NotEqual(t, a, d, "different secrets yield different tokens")
}
