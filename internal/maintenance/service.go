package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"clipflow/internal/store"
)

// Service runs the periodic housekeeping that keeps the database from
// growing without bound: old unscheduled drafts and stale error log
// entries are pruned on a fixed cron cadence.
type Service struct {
	store          *store.Store
	cron           *cron.Cron
	draftsKeep     int
	errorRetention time.Duration
}

func NewService(st *store.Store, draftsKeep int, errorRetention time.Duration) *Service {
	return &Service{
		store:          st,
		cron:           cron.New(),
		draftsKeep:     draftsKeep,
		errorRetention: errorRetention,
	}
}

func (s *Service) Start() error {
	if _, err := s.cron.AddFunc("@hourly", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Int("drafts_keep", s.draftsKeep).Dur("error_retention", s.errorRetention).Msg("maintenance started")
	return nil
}

func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := s.store.PruneDrafts(ctx, s.draftsKeep); err != nil {
		log.Error().Err(err).Msg("prune drafts")
	} else if n > 0 {
		log.Info().Int("pruned", n).Msg("old drafts removed")
	}

	if s.errorRetention > 0 {
		before := time.Now().Add(-s.errorRetention)
		if n, err := s.store.PruneErrors(ctx, before); err != nil {
			log.Error().Err(err).Msg("prune errors")
		} else if n > 0 {
			log.Info().Int("pruned", n).Msg("old error entries removed")
		}
	}
}
