package release

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/delivery"
	"clipflow/internal/domain"
	"clipflow/internal/store"
)

type fakeOutbound struct {
	mu     sync.Mutex
	sent   []delivery.Message
	queued []delivery.Message
	resp   delivery.Response
	err    error
}

func (f *fakeOutbound) SendSync(_ context.Context, m delivery.Message) (delivery.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return delivery.Response{}, f.err
	}
	f.sent = append(f.sent, m)
	return f.resp, nil
}

func (f *fakeOutbound) Enqueue(m delivery.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, m)
	return nil
}

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned [][]domain.MediaItem
}

func (f *fakeCleaner) Cleanup(media []domain.MediaItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, media)
}

func newQueueStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "clipflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func newTestQueue(t *testing.T, st *store.Store, out *fakeOutbound, cl *fakeCleaner) *Queue {
	t.Helper()
	q := NewQueue(st, out, cl, QueueConfig{
		ChannelChat:    "channel",
		ModerationChat: "mod",
		Signature:      "myfeed",
		Schedule:       ScheduleConfig{Location: time.UTC},
	})
	q.now = func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) }
	q.sched.rand = func() float64 { return 0 }
	return q
}

func completedJob(t *testing.T, key, text string, media ...domain.MediaItem) domain.CaptureJob {
	t.Helper()
	payload, err := json.Marshal(domain.CaptureResult{Author: "A", Text: text, SourceURL: "https://x/" + key, Media: media})
	require.NoError(t, err)
	return domain.CaptureJob{ContentKey: key, SourceURL: "https://x/" + key, Status: domain.StatusCompleted, Result: payload}
}

func TestCaptureCompleted_DraftsRelease(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{resp: delivery.Response{
		MessageID: 77,
		Text:      "A:\ntext\n\nSource",
		Entities:  []domain.Entity{{Type: "bold", Offset: 0, Length: 1}},
	}}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	require.NoError(t, q.CaptureCompleted(ctx, []domain.CaptureJob{completedJob(t, "k1", "text")}))

	require.Len(t, out.sent, 1)
	preview := out.sent[0]
	assert.Equal(t, delivery.KindSend, preview.Kind)
	assert.Equal(t, "mod", preview.ChatID)
	assert.Equal(t, "HTML", preview.ParseMode)

	rel, err := st.ReleaseByModeration(ctx, "mod", 77)
	require.NoError(t, err)
	assert.Equal(t, "A:\ntext\n\nSource", rel.Body, "the stored body is what the destination echoed back")
	assert.Equal(t, out.resp.Entities, rel.Entities)
	assert.False(t, rel.Scheduled(), "drafts start without a fire time")
}

func TestCaptureCompleted_CarriesJobChannel(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{resp: delivery.Response{MessageID: 8}}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	job := completedJob(t, "k1", "text")
	job.Channel = "@side_channel"
	require.NoError(t, q.CaptureCompleted(ctx, []domain.CaptureJob{job}))

	rel, err := st.ReleaseByModeration(ctx, "mod", 8)
	require.NoError(t, err)
	assert.Equal(t, "@side_channel", rel.Channel, "the draft keeps the job's destination")
}

func TestCaptureCompleted_MediaGroupUsesCaption(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{resp: delivery.Response{
		MessageID:       5,
		Caption:         "normalized caption",
		CaptionEntities: []domain.Entity{{Type: "italic", Offset: 0, Length: 10}},
	}}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	media := []domain.MediaItem{{Ref: "https://x/a.jpg", Type: "photo"}, {Ref: "https://x/b.jpg", Type: "photo"}}
	require.NoError(t, q.CaptureCompleted(ctx, []domain.CaptureJob{completedJob(t, "k2", "text", media...)}))

	require.Len(t, out.sent, 1)
	assert.Equal(t, delivery.KindSendGroup, out.sent[0].Kind)

	rel, err := st.ReleaseByModeration(ctx, "mod", 5)
	require.NoError(t, err)
	assert.Equal(t, "normalized caption", rel.Body)
	assert.Equal(t, out.resp.CaptionEntities, rel.Entities)
	assert.Equal(t, media, rel.Media)
}

func TestCaptureCompleted_PreviewFailureLeavesNoDraft(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{err: errors.New("destination down")}
	q := newTestQueue(t, st, out, &fakeCleaner{})

	err := q.CaptureCompleted(context.Background(), []domain.CaptureJob{completedJob(t, "k3", "text")})
	require.Error(t, err)

	rels, err := st.ListReleases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestFire_DeliversAndClears(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{resp: delivery.Response{MessageID: 9}}
	cl := &fakeCleaner{}
	q := newTestQueue(t, st, out, cl)
	ctx := context.Background()

	media := []domain.MediaItem{{Ref: "/tmp/a.jpg", Type: "photo"}}
	id, err := st.CreateRelease(ctx, domain.Release{
		ContentKey: "k1", Body: "ready", Entities: []domain.Entity{{Type: "bold", Offset: 0, Length: 5}},
		Media: media, ModerationChat: "mod", ModerationMsg: 3, CreatedAt: q.now(),
	})
	require.NoError(t, err)
	at := q.now().Add(-time.Minute)
	require.NoError(t, st.ScheduleRelease(ctx, id, at))

	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.fire(ctx, rel, q.now()))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "channel", out.sent[0].ChatID)
	assert.Equal(t, "ready", out.sent[0].Text)
	assert.Equal(t, rel.Entities, out.sent[0].Entities, "stored annotations ride along")
	assert.Empty(t, out.sent[0].ParseMode, "no re-parsing on the way out")

	_, err = st.GetRelease(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound, "a fired release is gone")

	require.Len(t, cl.cleaned, 1)
	assert.Equal(t, media, cl.cleaned[0])

	require.Len(t, out.queued, 1)
	assert.Equal(t, delivery.KindEditCaption, out.queued[0].Kind)
	assert.Contains(t, out.queued[0].Text, "Sent")

	n, err := st.ReleasedSince(ctx, q.now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFire_HonorsReleaseChannel(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{resp: delivery.Response{MessageID: 9}}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	id, err := st.CreateRelease(ctx, domain.Release{
		ContentKey: "k1", Body: "ready", Channel: "@side_channel", CreatedAt: q.now(),
	})
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRelease(ctx, id, q.now().Add(-time.Minute)))

	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.fire(ctx, rel, q.now()))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "@side_channel", out.sent[0].ChatID, "a per-release channel overrides the default")
}

func TestFire_CancelAfterDueQueryWins(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	id, err := st.CreateRelease(ctx, domain.Release{ContentKey: "k", Body: "b", CreatedAt: q.now()})
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRelease(ctx, id, q.now().Add(-time.Minute)))

	stale, err := st.GetRelease(ctx, id)
	require.NoError(t, err)

	// Cancel lands between the due query and the send.
	require.NoError(t, st.CancelRelease(ctx, id))

	require.NoError(t, q.fire(ctx, stale, q.now()))
	assert.Empty(t, out.sent, "a canceled release does not go out")

	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	assert.False(t, rel.Scheduled())
}

func TestFire_SendFailureLeavesRow(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{err: errors.New("destination down")}
	q := newTestQueue(t, st, out, &fakeCleaner{})
	ctx := context.Background()

	id, err := st.CreateRelease(ctx, domain.Release{ContentKey: "k", Body: "b", CreatedAt: q.now()})
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRelease(ctx, id, q.now().Add(-time.Minute)))

	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	require.Error(t, q.fire(ctx, rel, q.now()))

	got, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Scheduled(), "the row waits for the next tick")
}

func TestScheduleCancelDiscard(t *testing.T) {
	st := newQueueStore(t)
	out := &fakeOutbound{}
	cl := &fakeCleaner{}
	q := newTestQueue(t, st, out, cl)
	ctx := context.Background()

	media := []domain.MediaItem{{Ref: "/tmp/x.jpg", Type: "photo"}}
	id, err := st.CreateRelease(ctx, domain.Release{
		ContentKey: "k", Body: "b", Media: media, ModerationChat: "mod", ModerationMsg: 8, CreatedAt: q.now(),
	})
	require.NoError(t, err)

	at := q.now().Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, id, at))
	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	require.True(t, rel.Scheduled())
	assert.Equal(t, at.UnixNano(), rel.ReleaseAt.UnixNano())

	require.NoError(t, q.Cancel(ctx, id))
	rel, err = st.GetRelease(ctx, id)
	require.NoError(t, err)
	assert.False(t, rel.Scheduled())

	require.NoError(t, q.Discard(ctx, id))
	_, err = st.GetRelease(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, cl.cleaned, 1, "discard disposes of artifacts")

	require.Len(t, out.queued, 3, "each action edits the moderation message")
	assert.Contains(t, out.queued[0].Text, "Scheduled")
	assert.Contains(t, out.queued[1].Text, "Unscheduled")
	assert.Contains(t, out.queued[2].Text, "Discarded")

	assert.ErrorIs(t, q.Schedule(ctx, id, at), domain.ErrNotFound)
	assert.ErrorIs(t, q.Cancel(ctx, id), domain.ErrNotFound)
	assert.ErrorIs(t, q.Discard(ctx, id), domain.ErrNotFound)
}

func TestAutoSchedule_SpreadsOut(t *testing.T) {
	st := newQueueStore(t)
	q := newTestQueue(t, st, &fakeOutbound{}, &fakeCleaner{})
	ctx := context.Background()

	first, err := st.CreateRelease(ctx, domain.Release{ContentKey: "a", Body: "a", CreatedAt: q.now()})
	require.NoError(t, err)
	second, err := st.CreateRelease(ctx, domain.Release{ContentKey: "b", Body: "b", CreatedAt: q.now()})
	require.NoError(t, err)

	at1, err := q.AutoSchedule(ctx, first)
	require.NoError(t, err)
	assert.False(t, at1.Before(q.now().Add(2*time.Minute)), "never schedules into the immediate past")
	assert.Zero(t, at1.Minute()%5, "slots sit on the 5-minute grid")

	at2, err := q.AutoSchedule(ctx, second)
	require.NoError(t, err)
	d := at2.Sub(at1)
	if d < 0 {
		d = -d
	}
	assert.GreaterOrEqual(t, d, 5*time.Minute, "back-to-back picks keep the gap")
}
