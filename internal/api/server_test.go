package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/api"
	"clipflow/internal/delivery"
	"clipflow/internal/domain"
	"clipflow/internal/intake"
	"clipflow/internal/release"
	"clipflow/internal/store"
)

type stubOutbound struct{}

func (stubOutbound) SendSync(context.Context, delivery.Message) (delivery.Response, error) {
	return delivery.Response{MessageID: 1}, nil
}

func (stubOutbound) Enqueue(delivery.Message) error { return nil }

type stubCleaner struct{}

func (stubCleaner) Cleanup([]domain.MediaItem) {}

func newTestServer(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "clipflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db)
	require.NoError(t, err)

	svc := intake.NewService(st, 0)
	rq := release.NewQueue(st, stubOutbound{}, stubCleaner{}, release.QueueConfig{
		ChannelChat:    "channel",
		ModerationChat: "mod",
		Schedule:       release.ScheduleConfig{Location: time.UTC},
	})
	h := api.NewServer(st, svc, rq, api.Config{Location: time.UTC})
	return h, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestSubmitCapture(t *testing.T) {
	h, st := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{
		"url": "https://example.com/post/1?utm_source=x", "submitter": "alice", "chat_id": "7",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		JobID    int64 `json:"job_id"`
		Position int   `json:"position"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Position)

	job, err := st.JobByID(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/post/1", job.ContentKey, "the key drops tracking params")

	t.Run("duplicate is a conflict", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{
			"url": "https://example.com/post/1", "submitter": "alice",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing url is a bad request", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{"submitter": "alice"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("force readmits captured content", func(t *testing.T) {
		ctx := context.Background()
		claimed, err := st.ClaimNext(ctx)
		require.NoError(t, err)
		_, err = st.CompleteJob(ctx, claimed.ID, []byte(`{}`), time.Now().UTC())
		require.NoError(t, err)

		w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{
			"url": "https://example.com/post/1", "submitter": "alice",
		})
		require.Equal(t, http.StatusConflict, w.Code, "captured content stays rejected")

		w = doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{
			"url": "https://example.com/post/1", "submitter": "alice", "force": true,
		})
		assert.Equal(t, http.StatusAccepted, w.Code)
	})
}

func TestSubmitCapture_HourlyLimit(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "clipflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db)
	require.NoError(t, err)

	svc := intake.NewService(st, 1)
	rq := release.NewQueue(st, stubOutbound{}, stubCleaner{}, release.QueueConfig{Schedule: release.ScheduleConfig{Location: time.UTC}})
	h := api.NewServer(st, svc, rq, api.Config{Location: time.UTC})

	w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{"url": "https://x/1", "submitter": "alice"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{"url": "https://x/2", "submitter": "alice"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	t.Run("allowance is visible", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/api/limits/alice", nil)
		require.Equal(t, 200, w.Code)
		var resp map[string]any
		decode(t, w, &resp)
		assert.Equal(t, float64(1), resp["limit"])
		assert.Equal(t, float64(1), resp["used"])
		assert.Equal(t, float64(0), resp["remaining"])
	})
}

func TestSubmitBatch(t *testing.T) {
	h, st := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/captures", map[string]any{
		"urls": []string{"https://x/1", "https://x/2", "https://x/1"}, "submitter": "alice",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		BatchID  string `json:"batch_id"`
		Admitted int    `json:"admitted"`
		Items    []struct {
			URL   string `json:"url"`
			JobID int64  `json:"job_id"`
			Error string `json:"error"`
		} `json:"items"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 2, resp.Admitted)
	require.Len(t, resp.Items, 3)
	assert.Empty(t, resp.Items[0].Error)
	assert.NotEmpty(t, resp.Items[2].Error, "the repeated url is rejected inside the batch")

	members, err := st.BatchItems(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestGetCapture(t *testing.T) {
	h, st := newTestServer(t)

	id, _, err := st.AdmitJob(context.Background(), domain.CaptureJob{ContentKey: "k", SourceURL: "https://x/1"}, false)
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodGet, "/api/captures/"+strconv.FormatInt(id, 10), nil)
	require.Equal(t, 200, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "pending", resp["status"])
	assert.Equal(t, float64(1), resp["position"])

	w = doJSON(t, h, http.MethodGet, "/api/captures/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/captures/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReleaseEndpoints(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	id, err := st.CreateRelease(ctx, domain.Release{
		ContentKey: "k", Body: "b", ModerationChat: "mod", ModerationMsg: 5, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	w := doJSON(t, h, http.MethodPost, "/api/releases/"+strconv.FormatInt(id, 10)+"/schedule",
		map[string]any{"at": at.Format(time.RFC3339)})
	require.Equal(t, 200, w.Code, w.Body.String())

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, at.Format(time.RFC3339), resp["release_at"])

	t.Run("past times are rejected", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/releases/"+strconv.FormatInt(id, 10)+"/schedule",
			map[string]any{"at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("auto schedule picks a slot", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/releases/"+strconv.FormatInt(id, 10)+"/schedule",
			map[string]any{"auto": true})
		require.Equal(t, 200, w.Code)
		var resp map[string]any
		decode(t, w, &resp)
		assert.NotEmpty(t, resp["release_at"])
	})

	t.Run("listing shows the schedule", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/api/releases", nil)
		require.Equal(t, 200, w.Code)
		var rels []map[string]any
		decode(t, w, &rels)
		require.Len(t, rels, 1)
		assert.NotEmpty(t, rels[0]["release_at"])
	})

	t.Run("cancel returns the draft", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/releases/"+strconv.FormatInt(id, 10)+"/cancel", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		rel, err := st.GetRelease(ctx, id)
		require.NoError(t, err)
		assert.False(t, rel.Scheduled())
	})

	t.Run("discard removes the draft", func(t *testing.T) {
		w := doJSON(t, h, http.MethodDelete, "/api/releases/"+strconv.FormatInt(id, 10), nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		_, err := st.GetRelease(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("missing release is 404", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/releases/424242/cancel", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestModerationCallback(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	id, err := st.CreateRelease(ctx, domain.Release{
		ContentKey: "k", Body: "b", ModerationChat: "mod", ModerationMsg: 99, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/api/moderation/callback", map[string]any{
		"chat_id": "mod", "message_id": 99, "action": "auto",
	})
	require.Equal(t, 200, w.Code, w.Body.String())

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, float64(id), resp["release_id"])

	rel, err := st.GetRelease(ctx, id)
	require.NoError(t, err)
	assert.True(t, rel.Scheduled())

	t.Run("unknown message is 404", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/moderation/callback", map[string]any{
			"chat_id": "mod", "message_id": 1, "action": "cancel",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown action is 400", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/moderation/callback", map[string]any{
			"chat_id": "mod", "message_id": 99, "action": "promote",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestQueueStats(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	_, _, err := st.AdmitJob(ctx, domain.CaptureJob{ContentKey: "k", SourceURL: "u"}, false)
	require.NoError(t, err)
	id, err := st.CreateRelease(ctx, domain.Release{ContentKey: "r", Body: "b", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRelease(ctx, id, time.Now().UTC().Add(30*time.Minute)))

	w := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, 200, w.Code)

	var resp struct {
		Pending     int    `json:"pending"`
		Scheduled   int    `json:"scheduled"`
		NextRelease string `json:"next_release"`
		Hours       []struct {
			Hour  string `json:"hour"`
			Count int    `json:"count"`
			Free  int    `json:"free"`
		} `json:"hours"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Pending)
	assert.Equal(t, 1, resp.Scheduled)
	assert.NotEmpty(t, resp.NextRelease)
	require.Len(t, resp.Hours, 6)

	total := 0
	for _, hr := range resp.Hours {
		total += hr.Count
	}
	assert.Equal(t, 1, total, "the scheduled release lands in one bucket")
}

func TestFeedbackAndErrors(t *testing.T) {
	h, st := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/feedback", map[string]any{
		"submitter": "alice", "message": "more cats please",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/feedback", map[string]any{"submitter": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "a message is required")

	w = doJSON(t, h, http.MethodGet, "/api/feedback", nil)
	require.Equal(t, 200, w.Code)
	var items []map[string]any
	decode(t, w, &items)
	assert.Len(t, items, 1)

	require.NoError(t, st.LogError(context.Background(), "delivery", "boom", time.Now().UTC()))
	w = doJSON(t, h, http.MethodGet, "/api/errors", nil)
	require.Equal(t, 200, w.Code)
	var errs []map[string]any
	decode(t, w, &errs)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0]["message"])
}
