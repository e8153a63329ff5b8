package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warden/internal/models"
)

// CSRSource obtains a fresh signing request from a gateway for rotation.
// In production this is a round-trip over the gateway's existing tunnel.
type CSRSource interface {
	CSRFor(ctx context.Context, gw *models.Gateway) ([]byte, error)
}

// RotationScheduler periodically re-issues certificates that are inside the
// renewal window. It keeps no durable state of its own: every pass (and
// every restart) starts from a fresh scan of the registry.
type RotationScheduler struct {
	Registry   *Registry
	Store      Store
	CSRs       CSRSource
	Window     time.Duration
	Interval   time.Duration
	MaxRetries int
	Log        logrus.FieldLogger
	Now        func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	retries  map[uuid.UUID]*retryState
}

type retryState struct {
	attempts int
	next     time.Time
	bo       *backoff.ExponentialBackOff
}

func NewRotationScheduler(reg *Registry, store Store, csrs CSRSource, window, interval time.Duration, maxRetries int) *RotationScheduler {
	return &RotationScheduler{
		Registry: reg, Store: store, CSRs: csrs,
		Window: window, Interval: interval, MaxRetries: maxRetries,
		Log: logrus.StandardLogger(), Now: time.Now,
		inflight: make(map[uuid.UUID]struct{}),
		retries:  make(map[uuid.UUID]*retryState),
	}
}

// Run executes passes until ctx is cancelled. The first pass runs
// immediately so a restarted scheduler picks overdue work right up.
func (s *RotationScheduler) Run(ctx context.Context) {
	s.RunPass(ctx)
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass scans for gateways nearing expiration and rotates each one at
// most once. Revoked and stalled gateways are skipped; failed ones are
// retried on later passes with per-gateway exponential backoff.
func (s *RotationScheduler) RunPass(ctx context.Context) {
	if s.CSRs == nil {
		// Without a CSR source a rotation would sign a certificate no
		// gateway holds a key for. Refuse to rotate rather than replace a
		// usable credential with a useless one.
		s.Log.Error("no CSR source configured, skipping rotation pass")
		return
	}
	now := s.Now().UTC()
	due, err := s.Store.ListExpiring(ctx, now.Add(s.Window))
	if err != nil {
		s.Log.WithError(err).Error("rotation scan failed")
		return
	}
	for i := range due {
		gw := due[i]
		if gw.RotationStalledAt != nil {
			continue
		}
		if !s.claim(gw.ID, now) {
			continue
		}
		s.rotateOne(ctx, &gw, now)
	}
}

// claim enforces at-most-one in-flight rotation per gateway and honors the
// backoff deadline.
func (s *RotationScheduler) claim(id uuid.UUID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	if rs, ok := s.retries[id]; ok && now.Before(rs.next) {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *RotationScheduler) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *RotationScheduler) rotateOne(ctx context.Context, gw *models.Gateway, now time.Time) {
	defer s.release(gw.ID)

	csr, err := s.CSRs.CSRFor(ctx, gw)
	if err == nil {
		_, err = s.Registry.Rotate(ctx, gw.ID, csr)
	}
	if err != nil {
		s.recordFailure(ctx, gw.ID, now, err)
		return
	}
	s.mu.Lock()
	delete(s.retries, gw.ID)
	s.mu.Unlock()
}

// recordFailure schedules a retry, or stalls the gateway once MaxRetries
// consecutive failures accumulate. The old certificate stays valid until
// its original expiration either way.
func (s *RotationScheduler) recordFailure(ctx context.Context, id uuid.UUID, now time.Time, cause error) {
	s.mu.Lock()
	rs, ok := s.retries[id]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Minute
		bo.MaxElapsedTime = 0
		rs = &retryState{bo: bo}
		s.retries[id] = rs
	}
	rs.attempts++
	rs.next = now.Add(rs.bo.NextBackOff())
	attempts, next := rs.attempts, rs.next
	if attempts >= s.MaxRetries {
		delete(s.retries, id)
	}
	s.mu.Unlock()

	if attempts < s.MaxRetries {
		s.Log.WithError(cause).WithFields(logrus.Fields{
			"gateway": id, "attempt": attempts, "next_retry": next,
		}).Warn("gateway rotation failed, will retry")
		return
	}
	reason := fmt.Sprintf("%v (after %d attempts)", cause, attempts)
	if err := s.Store.MarkStalled(ctx, id, now, reason); err != nil {
		s.Log.WithError(err).WithField("gateway", id).Error("failed to flag stalled rotation")
		return
	}
	s.Log.WithFields(logrus.Fields{
		"gateway": id, "reason": reason,
	}).Error(ErrRotationStalled.Error() + ": operator attention required")
}

// EphemeralCSRSource generates a throwaway key pair server-side and returns
// a CSR for it. The private key is discarded, so the rotated certificate is
// only good for keeping lifecycle state moving in the in-memory dev mode;
// real deployments must supply a CSRSource backed by the gateway tunnel.
type EphemeralCSRSource struct{}

func (EphemeralCSRSource) CSRFor(_ context.Context, gw *models.Gateway) ([]byte, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: gw.Name},
	}, sk)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
