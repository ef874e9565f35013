package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
)

// StuckDelivery describes one unsuccessful delivery the scanner may retry.
type StuckDelivery struct {
	SessionName string
	Payload     string
	RuntimeType string
}

// Source supplies the recent unsuccessful deliveries a scan cycle should
// consider, and receives the outcome of a re-attempt.
type Source interface {
	RecentFailedDeliveries(ctx context.Context, since time.Time) ([]StuckDelivery, error)
	OnRedeliverResult(ctx context.Context, d StuckDelivery, outcome Outcome)
}

// Scanner is the background stuck-message scanner described in §4.D: on a
// long period, it re-attempts one write+verify cycle for every recent
// unsuccessful delivery whose session is alive and idle, deduplicating via
// a short-lived in-memory set of recently-acknowledged payload fingerprints
// so a delivery already observed this run is never retried twice.
type Scanner struct {
	deliverer *Deliverer
	source    Source
	cfg       config.DeliveryConfig
	log       *logger.Logger

	mu           sync.Mutex
	acknowledged map[string]time.Time
}

// NewScanner builds a Scanner over a Deliverer and a Source of stuck
// deliveries.
func NewScanner(deliverer *Deliverer, source Source, cfg config.DeliveryConfig, log *logger.Logger) *Scanner {
	return &Scanner{
		deliverer:    deliverer,
		source:       source,
		cfg:          cfg,
		log:          log,
		acknowledged: make(map[string]time.Time),
	}
}

// Run blocks, scanning on cfg.ScannerPeriod until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScannerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	since := time.Now().Add(-s.cfg.ScannerLookback)
	stuck, err := s.source.RecentFailedDeliveries(ctx, since)
	if err != nil {
		s.log.Warn("stuck-message scan failed to list candidates", zap.Error(err))
		return
	}

	s.evictExpired()

	for _, d := range stuck {
		fp := fingerprintOf(d.Payload, s.cfg.FingerprintPrefixN)
		if s.isAcknowledged(fp) {
			continue
		}

		exists, err := s.deliverer.backend.SessionExists(ctx, d.SessionName)
		if err != nil || !exists {
			continue
		}
		idle, err := s.deliverer.backend.IsPromptIdle(ctx, d.SessionName)
		if err != nil || !idle {
			continue
		}

		if err := s.deliverer.write(ctx, d.SessionName, d.Payload, 1); err != nil {
			continue
		}
		ok, err := s.deliverer.verify(ctx, d.SessionName, fp)
		if err != nil {
			continue
		}
		if ok {
			s.acknowledge(fp)
		}

		s.source.OnRedeliverResult(ctx, d, Outcome{Success: ok, Attempts: 1})
	}
}

func (s *Scanner) isAcknowledged(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.acknowledged[fingerprint]
	return ok
}

func (s *Scanner) acknowledge(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acknowledged[fingerprint] = time.Now()
}

// evictExpired drops fingerprints older than the scan lookback window so
// the set stays short-lived rather than growing without bound.
func (s *Scanner) evictExpired() {
	cutoff := time.Now().Add(-s.cfg.ScannerLookback)
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, at := range s.acknowledged {
		if at.Before(cutoff) {
			delete(s.acknowledged, fp)
		}
	}
}
