package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrQueueFull means Enqueue could not hand the message off without
// blocking.
var ErrQueueFull = errors.New("outbound queue full")

type ErrorSink interface {
	LogError(ctx context.Context, source, message string, now time.Time) error
}

type Config struct {
	Interval   time.Duration // minimum spacing between send attempts
	MaxRetries int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Sender owns all traffic to the destination. Queued messages drain in
// FIFO order through a single goroutine; SendSync cuts past the queue
// for callers that need the response. Both paths share the pacing
// limiter and the retry policy.
type Sender struct {
	dest       Destination
	sink       ErrorSink
	queue      chan Message
	limiter    *rate.Limiter
	maxRetries int

	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration
}

func NewSender(dest Destination, sink ErrorSink, cfg Config) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		dest:       dest,
		sink:       sink,
		queue:      make(chan Message, cfg.QueueSize),
		limiter:    rate.NewLimiter(rate.Every(cfg.Interval), 1),
		maxRetries: cfg.MaxRetries,
		sleep:      sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// Enqueue hands a message to the sender and returns immediately.
func (s *Sender) Enqueue(m Message) error {
	select {
	case s.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendSync delivers m before returning and reports the destination's
// response.
func (s *Sender) SendSync(ctx context.Context, m Message) (Response, error) {
	return s.deliver(ctx, m)
}

// Run drains the queue until ctx is canceled. A message that exhausts
// its retries is dropped and reported; the queue keeps moving.
func (s *Sender) Run(ctx context.Context) {
	log.Info().Int("queue_cap", cap(s.queue)).Msg("outbound sender started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbound sender stopped")
			return
		case m := <-s.queue:
			if _, err := s.deliver(ctx, m); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				log.Error().Err(err).Str("kind", string(m.Kind)).Str("chat", m.ChatID).Msg("outbound message dropped")
				s.report(m, err)
			}
		}
	}
}

func (s *Sender) deliver(ctx context.Context, m Message) (Response, error) {
	attempt := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
		resp, err := s.dest.Send(ctx, m)
		if err == nil {
			return resp, nil
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			// The destination named its own pause. Honor it; this does
			// not count against the retry budget.
			if serr := s.sleep(ctx, rl.RetryAfter); serr != nil {
				return Response{}, serr
			}
			continue
		}

		var tr *TransientError
		if !errors.As(err, &tr) {
			return Response{}, err
		}
		attempt++
		if attempt >= s.maxRetries {
			return Response{}, fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		if serr := s.sleep(ctx, backoffExp(attempt)+s.jitter()); serr != nil {
			return Response{}, serr
		}
	}
}

func (s *Sender) report(m Message, err error) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := fmt.Sprintf("%s to %s: %v", m.Kind, m.ChatID, err)
	if serr := s.sink.LogError(ctx, "delivery", msg, time.Now().UTC()); serr != nil {
		log.Error().Err(serr).Msg("error sink write failed")
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
