package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"clipflow/internal/delivery"
	"clipflow/internal/domain"
	"clipflow/internal/store"
)

// Outbound is the slice of the sender the queue needs: a synchronous
// path for messages whose response matters and a fire-and-forget one
// for status notes.
type Outbound interface {
	SendSync(ctx context.Context, m delivery.Message) (delivery.Response, error)
	Enqueue(m delivery.Message) error
}

// Cleaner disposes of local capture artifacts once nothing will send
// them again.
type Cleaner interface {
	Cleanup(media []domain.MediaItem)
}

type QueueConfig struct {
	ChannelChat    string
	ModerationChat string
	Signature      string
	Poll           time.Duration
	Schedule       ScheduleConfig
}

// Queue is the delayed release stage: drafts wait for an operator (or
// the auto scheduler) to pin a fire time, and the poller delivers them
// when that time arrives.
type Queue struct {
	store   *store.Store
	out     Outbound
	cleaner Cleaner
	sched   *AutoScheduler
	cfg     QueueConfig
	now     func() time.Time
}

func NewQueue(st *store.Store, out Outbound, cleaner Cleaner, cfg QueueConfig) *Queue {
	if cfg.Poll <= 0 {
		cfg.Poll = 10 * time.Second
	}
	return &Queue{
		store:   st,
		out:     out,
		cleaner: cleaner,
		sched:   NewAutoScheduler(cfg.Schedule),
		cfg:     cfg,
		now:     time.Now,
	}
}

// CaptureCompleted drafts a release from finished capture jobs: one
// job, or a completed batch in submission order. The moderation
// preview goes out synchronously so the draft can be keyed to the
// preview message it answers to.
func (q *Queue) CaptureCompleted(ctx context.Context, jobs []domain.CaptureJob) error {
	if len(jobs) == 0 {
		return nil
	}
	body, media := compose(jobs, q.cfg.Signature)
	msg := delivery.Message{
		Kind:      delivery.KindSend,
		ChatID:    q.cfg.ModerationChat,
		Text:      body,
		ParseMode: "HTML",
		Media:     media,
	}
	if len(media) > 1 {
		msg.Kind = delivery.KindSendGroup
	}
	resp, err := q.out.SendSync(ctx, msg)
	if err != nil {
		return fmt.Errorf("moderation preview: %w", err)
	}

	storedBody, entities := resp.Text, resp.Entities
	if len(media) > 0 {
		storedBody, entities = resp.Caption, resp.CaptionEntities
	}
	if storedBody == "" {
		storedBody = body
	}

	id, err := q.store.CreateRelease(ctx, domain.Release{
		ContentKey:     jobs[0].ContentKey,
		Body:           storedBody,
		Entities:       entities,
		Media:          media,
		Channel:        jobs[0].Channel,
		ModerationChat: q.cfg.ModerationChat,
		ModerationMsg:  resp.MessageID,
		CreatedAt:      q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store release: %w", err)
	}
	log.Info().Int64("release", id).Int("jobs", len(jobs)).Msg("release drafted")
	return nil
}

// Schedule pins a release to an explicit fire time.
func (q *Queue) Schedule(ctx context.Context, id int64, at time.Time) error {
	rel, err := q.store.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.ScheduleRelease(ctx, id, at); err != nil {
		return err
	}
	q.noteModeration(rel, "🗓 Scheduled for "+q.fmtTime(at))
	return nil
}

// AutoSchedule asks the slot picker for a fire time. The taken set is
// read fresh so back-to-back calls spread out instead of colliding.
func (q *Queue) AutoSchedule(ctx context.Context, id int64) (time.Time, error) {
	rel, err := q.store.GetRelease(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	taken, err := q.store.ScheduledTimes(ctx)
	if err != nil {
		return time.Time{}, err
	}
	at := q.sched.Pick(q.now(), taken)
	if err := q.store.ScheduleRelease(ctx, id, at); err != nil {
		return time.Time{}, err
	}
	q.noteModeration(rel, "🗓 Scheduled for "+q.fmtTime(at))
	return at, nil
}

// Cancel clears the fire time and returns the release to draft.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	rel, err := q.store.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.CancelRelease(ctx, id); err != nil {
		return err
	}
	q.noteModeration(rel, "⏸ Unscheduled")
	return nil
}

// Discard drops a release entirely and cleans its artifacts.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	rel, err := q.store.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.DeleteRelease(ctx, id); err != nil {
		return err
	}
	q.cleaner.Cleanup(rel.Media)
	q.noteModeration(rel, "🗑 Discarded")
	return nil
}

// Run fires due releases until ctx is canceled. Every tick reads fresh
// rows; a failed delivery leaves its row for the next tick.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.cfg.Poll)
	defer t.Stop()
	log.Info().Dur("poll", q.cfg.Poll).Msg("release poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("release poller stopped")
			return
		case now := <-t.C:
			due, err := q.store.DueReleases(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("poll releases")
				continue
			}
			for _, rel := range due {
				if err := q.fire(ctx, rel, now); err != nil {
					if ctx.Err() != nil {
						break
					}
					log.Error().Err(err).Int64("release", rel.ID).Msg("release not delivered, retrying next tick")
					q.sinkError(ctx, rel.ID, err)
				}
			}
		}
	}
}

func (q *Queue) fire(ctx context.Context, rel domain.Release, now time.Time) error {
	// Re-read before sending: a cancel that landed after the due query
	// wins.
	fresh, err := q.store.GetRelease(ctx, rel.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if fresh.ReleaseAt == nil || fresh.ReleaseAt.After(now) {
		return nil
	}

	chat := fresh.Channel
	if chat == "" {
		chat = q.cfg.ChannelChat
	}
	msg := delivery.Message{
		Kind:     delivery.KindSend,
		ChatID:   chat,
		Text:     fresh.Body,
		Entities: fresh.Entities,
		Media:    fresh.Media,
	}
	if len(fresh.Media) > 1 {
		msg.Kind = delivery.KindSendGroup
	}
	if _, err := q.out.SendSync(ctx, msg); err != nil {
		return fmt.Errorf("deliver release %d: %w", fresh.ID, err)
	}
	if err := q.store.ReleaseFired(ctx, fresh, now); err != nil {
		// Message is out but the row is not cleared; the next tick
		// will send it again.
		return fmt.Errorf("clear delivered release %d: %w", fresh.ID, err)
	}
	q.cleaner.Cleanup(fresh.Media)
	q.noteModeration(fresh, "📤 Sent")
	log.Info().Int64("release", fresh.ID).Str("chat", chat).Msg("release delivered")
	return nil
}

// noteModeration rewrites the moderation message with a status line
// appended. The edit is plain text; entities are not resent.
func (q *Queue) noteModeration(rel domain.Release, note string) {
	if rel.ModerationChat == "" || rel.ModerationMsg == 0 {
		return
	}
	kind := delivery.KindEditText
	limit := 4096
	if len(rel.Media) > 0 {
		kind = delivery.KindEditCaption
		limit = maxCaption
	}
	m := delivery.Message{
		Kind:           kind,
		ChatID:         rel.ModerationChat,
		MessageID:      rel.ModerationMsg,
		Text:           clip(rel.Body+"\n\n"+note, limit),
		DisablePreview: true,
	}
	if err := q.out.Enqueue(m); err != nil {
		log.Warn().Err(err).Int64("release", rel.ID).Msg("moderation note dropped")
	}
}

func (q *Queue) sinkError(ctx context.Context, releaseID int64, err error) {
	msg := fmt.Sprintf("release %d: %v", releaseID, err)
	if serr := q.store.LogError(ctx, "release", msg, q.now().UTC()); serr != nil {
		log.Error().Err(serr).Msg("error sink write failed")
	}
}

func (q *Queue) fmtTime(at time.Time) string {
	loc := q.sched.cfg.Location
	return at.In(loc).Format("Mon 15:04")
}
