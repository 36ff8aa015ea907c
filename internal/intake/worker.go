package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"clipflow/internal/capture"
	"clipflow/internal/domain"
	"clipflow/internal/store"
)

// Sink receives completed captures: a single job, or a settled batch
// assembled in submission order.
type Sink interface {
	CaptureCompleted(ctx context.Context, jobs []domain.CaptureJob) error
}

// Notifier reports capture outcomes back to submitters.
type Notifier interface {
	JobFailed(job domain.CaptureJob, cause error)
	BatchSettled(jobs []domain.CaptureJob)
}

// Worker drains the capture queue one job at a time: claim, run the
// processor, settle, hand completed work to the sink.
type Worker struct {
	store     *store.Store
	proc      capture.Processor
	sink      Sink
	notify    Notifier
	poll      time.Duration
	errorWait time.Duration
	now       func() time.Time
}

func NewWorker(st *store.Store, proc capture.Processor, sink Sink, notify Notifier, poll, errorWait time.Duration) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if errorWait <= 0 {
		errorWait = 5 * time.Second
	}
	return &Worker{store: st, proc: proc, sink: sink, notify: notify, poll: poll, errorWait: errorWait, now: time.Now}
}

// Run claims and processes jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.poll)
	defer t.Stop()
	log.Info().Dur("poll", w.poll).Msg("capture worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("capture worker stopped")
			return
		case <-t.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNext(ctx)
		if errors.Is(err, store.ErrNoJobReady) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("claim job")
			w.pause(ctx)
			return
		}
		if err := w.process(ctx, job); err != nil {
			log.Error().Err(err).Int64("job", job.ID).Msg("job settle failed")
			w.pause(ctx)
		}
	}
}

func (w *Worker) process(ctx context.Context, job domain.CaptureJob) error {
	log.Info().Int64("job", job.ID).Str("key", job.ContentKey).Msg("capturing")
	res, perr := w.proc.Process(ctx, job)
	if perr != nil {
		out, err := w.store.FailJob(ctx, job.ID, perr.Error(), w.now().UTC())
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if !out.Transitioned {
			log.Debug().Int64("job", job.ID).Msg("job already settled")
			return nil
		}
		log.Warn().Err(perr).Int64("job", job.ID).Str("key", job.ContentKey).Msg("capture failed")
		if job.BatchID == nil {
			if w.notify != nil {
				w.notify.JobFailed(job, perr)
			}
			return nil
		}
		return w.settleBatch(ctx, *job.BatchID, out)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	out, err := w.store.CompleteJob(ctx, job.ID, payload, w.now().UTC())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !out.Transitioned {
		log.Debug().Int64("job", job.ID).Msg("job already settled")
		return nil
	}
	if job.BatchID == nil {
		job.Status = domain.StatusCompleted
		job.Result = payload
		return w.sink.CaptureCompleted(ctx, []domain.CaptureJob{job})
	}
	return w.settleBatch(ctx, *job.BatchID, out)
}

// settleBatch assembles the batch when this terminal transition was
// the one that settled its last member. The store reports that inside
// the transition itself, so assembly runs exactly once per batch.
func (w *Worker) settleBatch(ctx context.Context, batchID string, out store.TerminalOutcome) error {
	if !out.BatchDone {
		return nil
	}
	completed, err := w.store.BatchCompleted(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if len(completed) == 0 {
		log.Warn().Str("batch", batchID).Msg("batch settled with nothing captured")
	} else if err := w.sink.CaptureCompleted(ctx, completed); err != nil {
		return fmt.Errorf("assemble batch %s: %w", batchID, err)
	}
	if w.notify != nil {
		all, err := w.store.BatchItems(ctx, batchID)
		if err != nil {
			return fmt.Errorf("load batch %s: %w", batchID, err)
		}
		w.notify.BatchSettled(all)
	}
	return nil
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.errorWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
