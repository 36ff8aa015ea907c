package intake

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"clipflow/internal/domain"
	"clipflow/internal/store"
)

// Service admits submissions into the capture queue.
type Service struct {
	store       *store.Store
	hourlyLimit int // submissions per submitter per hour, 0 means unlimited
	now         func() time.Time
}

func NewService(st *store.Store, hourlyLimit int) *Service {
	return &Service{store: st, hourlyLimit: hourlyLimit, now: time.Now}
}

// Request is one submission. Force waives the rejection of keys that
// were already captured once; it is an explicit operator decision.
type Request struct {
	ContentKey string
	SourceURL  string
	Submitter  string
	ChatID     string
	Channel    string
	Origin     string
	Priority   int
	Force      bool
}

// Admission is the immediate feedback a submitter gets.
type Admission struct {
	JobID    int64
	Position int
}

func priorityFor(origin string) int {
	if origin == domain.OriginSuggestion {
		return domain.PrioritySuggestion
	}
	return domain.PriorityOperator
}

// Admit checks the submitter's hourly allowance and the dedup rules,
// then inserts a pending job and reports its queue position.
func (s *Service) Admit(ctx context.Context, req Request) (Admission, error) {
	if req.ContentKey == "" || req.SourceURL == "" {
		return Admission{}, fmt.Errorf("content key and source url are required")
	}
	if req.Origin == "" {
		req.Origin = domain.OriginOperator
	}
	if req.Priority == 0 {
		req.Priority = priorityFor(req.Origin)
	}
	if err := s.checkAllowance(ctx, req.Submitter); err != nil {
		return Admission{}, err
	}
	id, pos, err := s.store.AdmitJob(ctx, domain.CaptureJob{
		ContentKey:  req.ContentKey,
		SourceURL:   req.SourceURL,
		Submitter:   req.Submitter,
		ChatID:      req.ChatID,
		Channel:     req.Channel,
		Origin:      req.Origin,
		Priority:    req.Priority,
		SubmittedAt: s.now().UTC(),
	}, req.Force)
	if err != nil {
		return Admission{}, err
	}
	log.Info().Int64("job", id).Str("key", req.ContentKey).Int("position", pos).Msg("job admitted")
	return Admission{JobID: id, Position: pos}, nil
}

type BatchItem struct {
	ContentKey string
	SourceURL  string
}

type BatchItemResult struct {
	ContentKey string
	JobID      int64
	Position   int
	Err        error
}

type BatchResult struct {
	BatchID string
	Items   []BatchItemResult
}

// AdmitBatch admits several submissions under one batch id. A rejected
// item does not block its siblings; the batch later assembles from
// whatever was admitted. A single item degenerates to a plain Admit.
func (s *Service) AdmitBatch(ctx context.Context, req Request, items []BatchItem) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, fmt.Errorf("empty batch")
	}
	if len(items) == 1 {
		one := req
		one.ContentKey = items[0].ContentKey
		one.SourceURL = items[0].SourceURL
		adm, err := s.Admit(ctx, one)
		return BatchResult{Items: []BatchItemResult{{
			ContentKey: one.ContentKey, JobID: adm.JobID, Position: adm.Position, Err: err,
		}}}, nil
	}

	if req.Origin == "" {
		req.Origin = domain.OriginOperator
	}
	if req.Priority == 0 {
		req.Priority = priorityFor(req.Origin)
	}
	if err := s.checkAllowance(ctx, req.Submitter); err != nil {
		return BatchResult{}, err
	}

	batchID := "bat_" + uuid.NewString()
	res := BatchResult{BatchID: batchID}
	admitted := 0
	for _, it := range items {
		id, pos, err := s.store.AdmitJob(ctx, domain.CaptureJob{
			ContentKey:  it.ContentKey,
			SourceURL:   it.SourceURL,
			Submitter:   req.Submitter,
			ChatID:      req.ChatID,
			Channel:     req.Channel,
			Origin:      req.Origin,
			Priority:    req.Priority,
			BatchID:     &batchID,
			BatchSize:   len(items),
			SubmittedAt: s.now().UTC(),
		}, req.Force)
		res.Items = append(res.Items, BatchItemResult{ContentKey: it.ContentKey, JobID: id, Position: pos, Err: err})
		if err == nil {
			admitted++
		}
	}
	log.Info().Str("batch", batchID).Int("admitted", admitted).Int("of", len(items)).Msg("batch admitted")
	return res, nil
}

// NormalizeKey derives a content key from a raw link. Tracking params
// and fragments do not change what the link points at, so they are
// stripped before the key is compared against earlier submissions.
func NormalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// Allowance reports how many submissions the submitter made in the past
// hour and the configured cap. A zero limit means unlimited.
func (s *Service) Allowance(ctx context.Context, submitter string) (used, limit int, err error) {
	used, err = s.store.SubmissionsSince(ctx, submitter, s.now().Add(-time.Hour))
	if err != nil {
		return 0, 0, err
	}
	return used, s.hourlyLimit, nil
}

func (s *Service) checkAllowance(ctx context.Context, submitter string) error {
	if s.hourlyLimit <= 0 || submitter == "" {
		return nil
	}
	n, err := s.store.SubmissionsSince(ctx, submitter, s.now().Add(-time.Hour))
	if err != nil {
		return err
	}
	if n >= s.hourlyLimit {
		return domain.ErrHourlyLimit
	}
	return nil
}
