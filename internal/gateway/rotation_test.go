package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/models"
)

type fakeCSRSource struct {
	t  *testing.T
	mu sync.Mutex

	calls int
	fail  bool
}

func (f *fakeCSRSource) CSRFor(_ context.Context, gw *models.Gateway) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("tunnel unreachable")
	}
	return newCSR(f.t, gw.Name), nil
}

func (f *fakeCSRSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(e *testEnv, src CSRSource, maxRetries int) *RotationScheduler {
	s := NewRotationScheduler(e.reg, e.store, src, 168*time.Hour, time.Hour, maxRetries)
	s.Now = e.clock.now
	return s
}

func TestRunPassRotatesExpiring(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	src := &fakeCSRSource{t: t}
	s := newTestScheduler(e, src, 3)

	// Still comfortably outside the renewal window: nothing to do.
	s.RunPass(ctx)
	assert.Equal(t, 0, src.count())

	// Move inside the window but before expiry.
	e.clock.advance(e.certTTL - 100*time.Hour)
	s.RunPass(ctx)
	require.Equal(t, 1, src.count())

	gw, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gw.SerialNumber)
	assert.Equal(t, e.clock.now().Add(e.certTTL), gw.Expiration)
	assert.Nil(t, gw.RotationStalledAt)

	// Freshly rotated, so the next pass leaves it alone.
	s.RunPass(ctx)
	assert.Equal(t, 1, src.count())
}

func TestRunPassSkipsRevoked(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	src := &fakeCSRSource{t: t}
	s := newTestScheduler(e, src, 3)

	require.NoError(t, e.reg.Revoke(ctx, id, "key compromise"))
	e.clock.advance(e.certTTL + time.Hour)
	s.RunPass(ctx)
	assert.Equal(t, 0, src.count(), "revoked gateways are never rotated")
}

func TestRepeatedFailuresStallThenManualRotateRecovers(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	src := &fakeCSRSource{t: t, fail: true}
	s := newTestScheduler(e, src, 3)

	e.clock.advance(e.certTTL - 100*time.Hour)

	// First failure starts the backoff clock; an immediate second pass is
	// still inside the backoff interval and must not attempt again.
	s.RunPass(ctx)
	require.Equal(t, 1, src.count())
	s.RunPass(ctx)
	require.Equal(t, 1, src.count())

	// Each later pass, past the backoff deadline, burns one more attempt.
	e.clock.advance(10 * time.Minute)
	s.RunPass(ctx)
	require.Equal(t, 2, src.count())
	e.clock.advance(10 * time.Minute)
	s.RunPass(ctx)
	require.Equal(t, 3, src.count())

	gw, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, gw.RotationStalledAt, "third consecutive failure stalls the gateway")
	assert.Contains(t, gw.RotationStallReason, "after 3 attempts")

	// Stalled gateways are excluded from scans until an operator steps in.
	e.clock.advance(10 * time.Minute)
	s.RunPass(ctx)
	assert.Equal(t, 3, src.count())

	// The certificate is still valid, so the gateway stays routable; the
	// stall is surfaced as a reason, not an outage.
	res, err := e.reg.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Routable)
	assert.Contains(t, res.Reason, "rotation stalled")

	// A manual rotation clears the stall and resumes the normal cycle.
	gw, err = e.reg.Rotate(ctx, id, newCSR(t, "gw-eu-1"))
	require.NoError(t, err)
	assert.Nil(t, gw.RotationStalledAt)
	assert.EqualValues(t, 2, gw.SerialNumber)

	res, err = e.reg.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, res.Reason)
}

func TestSuccessResetsRetryBudget(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	src := &fakeCSRSource{t: t, fail: true}
	s := newTestScheduler(e, src, 3)

	e.clock.advance(e.certTTL - 100*time.Hour)
	s.RunPass(ctx)
	e.clock.advance(10 * time.Minute)
	s.RunPass(ctx)
	require.Equal(t, 2, src.count())

	// The tunnel comes back before the budget is exhausted.
	src.mu.Lock()
	src.fail = false
	src.mu.Unlock()
	e.clock.advance(10 * time.Minute)
	s.RunPass(ctx)
	require.Equal(t, 3, src.count())

	gw, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gw.RotationStalledAt)
	assert.EqualValues(t, 2, gw.SerialNumber)

	s.mu.Lock()
	_, pending := s.retries[id]
	s.mu.Unlock()
	assert.False(t, pending, "a successful rotation clears the retry state")
}

func TestClaimAtMostOneInflight(t *testing.T) {
	e := newTestEnv(t)
	s := newTestScheduler(e, &fakeCSRSource{t: t}, 3)
	id := uuid.New()
	now := e.clock.now()

	require.True(t, s.claim(id, now))
	assert.False(t, s.claim(id, now), "second claim while in flight is refused")
	s.release(id)
	assert.True(t, s.claim(id, now))
}

func TestRunPassRefusesWithoutCSRSource(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	s := newTestScheduler(e, nil, 3)

	// Rotating without a CSR source would mint a certificate the gateway
	// has no key for; the pass must leave the record untouched.
	e.clock.advance(e.certTTL - 100*time.Hour)
	s.RunPass(ctx)

	gw, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, gw.SerialNumber)
	assert.Nil(t, gw.RotationStalledAt)
}

func TestEphemeralCSRSourceProducesUsableCSR(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := *e.register(t)
	s := newTestScheduler(e, EphemeralCSRSource{}, 3)

	e.clock.advance(e.certTTL - 100*time.Hour)
	s.RunPass(ctx)

	gw, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gw.SerialNumber)
	assert.Equal(t, "EC_prime256v1", gw.KeyAlgorithm)
}
