// Package sweeper fails documents that never left the received state, for
// example because the process crashed between intake and extraction.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// AbandonedReason is recorded on documents failed by the sweeper.
	AbandonedReason = "abandoned"

	DefaultSchedule = "@every 5m"
	DefaultMaxAge   = 15 * time.Minute
)

// Sweeper periodically marks stale received documents as failed.
type Sweeper struct {
	docs   store.DocumentRepository
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// New creates a Sweeper. Zero maxAge uses DefaultMaxAge.
func New(docs store.DocumentRepository, maxAge time.Duration, log zerolog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{
		docs:   docs,
		maxAge: maxAge,
		log:    logger.Component(log, "sweeper"),
		now:    time.Now,
	}
}

// Start schedules Sweep on a cron spec such as "@every 5m" or "*/10 * * * *".
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("Sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("Start: schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	s.log.Info().Str("schedule", schedule).Dur("max_age", s.maxAge).Msg("Stale-document sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep fails every received document uploaded more than maxAge ago and
// returns how many it changed. Documents that moved on concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.docs.ListDocuments(ctx, store.DocumentFilter{
		Status:         domain.DocumentReceived,
		UploadedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("Sweep: list stale documents: %w", err)
	}

	swept := 0
	for _, doc := range stale {
		err := s.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentFailed, AbandonedReason)
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("Sweep: fail document %s: %w", doc.ID, err)
		}
		swept++
		s.log.Warn().Str("document_id", doc.ID).Time("uploaded_at", doc.UploadedAt).Msg("Abandoned document marked failed")
	}

	if swept > 0 {
		s.log.Info().Int("count", swept).Msg("Swept stale documents")
	}
	return swept, nil
}
