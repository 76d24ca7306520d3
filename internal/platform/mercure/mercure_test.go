package mercure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/gonk/internal/task"
)

const testKey = "mercure-test-key-with-enough-bytes"

type hubRequest struct {
	auth        string
	contentType string
	topic       string
	data        string
	private     string
}

type fakeHub struct {
	mu       sync.Mutex
	requests []hubRequest
	status   int
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	h.mu.Lock()
	h.requests = append(h.requests, hubRequest{
		auth:        r.Header.Get("Authorization"),
		contentType: r.Header.Get("Content-Type"),
		topic:       r.PostForm.Get("topic"),
		data:        r.PostForm.Get("data"),
		private:     r.PostForm.Get("private"),
	})
	status := h.status
	h.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, "urn:uuid:"+uuid.NewString())
}

func (h *fakeHub) Requests() []hubRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hubRequest(nil), h.requests...)
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_Publish(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	p := NewPublisher(srv.URL, testKey, srv.Client(), setupTestLogger())
	err := p.Publish(context.Background(), "gonk-event-alice-job-1", []string{"gonk-event-alice-job-1", "alice"}, "TASK DONE")
	require.NoError(t, err)

	reqs := hub.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gonk-event-alice-job-1", reqs[0].topic)
	assert.Equal(t, "TASK DONE", reqs[0].data)
	assert.Equal(t, "on", reqs[0].private)
	assert.Equal(t, "application/x-www-form-urlencoded", reqs[0].contentType)

	require.True(t, strings.HasPrefix(reqs[0].auth, "Bearer "))
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(reqs[0].auth, "Bearer "), claims,
		func(*jwt.Token) (interface{}, error) { return []byte(testKey), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	require.NoError(t, err)

	mercureClaim, ok := claims["mercure"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"gonk-event-alice-job-1", "alice"}, mercureClaim["publish"])
	assert.Equal(t, []any{}, mercureClaim["subscribe"])
}

func TestPublisher_HubError(t *testing.T) {
	hub := &fakeHub{status: http.StatusUnauthorized}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	p := NewPublisher(srv.URL, testKey, srv.Client(), setupTestLogger())
	err := p.Publish(context.Background(), "topic", nil, "data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNotifier_TopicAndAudience(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil, "ops@example.com", setupTestLogger())

	owned := &task.Task{Owner: "alice", JobID: "job-7"}
	assert.Equal(t, "alice", n.Audience(owned))
	assert.Equal(t, "gonk-event-alice-job-7", n.Topic(owned))

	anonymous := &task.Task{JobID: "job-8"}
	assert.Equal(t, "ops@example.com", n.Audience(anonymous))
	assert.Equal(t, "gonk-event-ops@example.com-job-8", n.Topic(anonymous))
}

func TestNotifier_Notify(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	n := NewNotifier(NewPublisher(srv.URL, testKey, srv.Client(), setupTestLogger()), "", setupTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, &task.Task{ID: uuid.New(), Owner: "bob", JobID: "job-2"}, "TASK DONE")
	cancel()
	n.Wait()

	reqs := hub.Requests()
	require.Len(t, reqs, 1, "publication survives cancellation of the job context")
	assert.Equal(t, "gonk-event-bob-job-2", reqs[0].topic)
}

func TestNotifier_SwallowsFailures(t *testing.T) {
	hub := &fakeHub{status: http.StatusInternalServerError}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	n := NewNotifier(NewPublisher(srv.URL, testKey, srv.Client(), setupTestLogger()), "", setupTestLogger())
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), &task.Task{Owner: "bob", JobID: "job-3"}, "ERROR: boom")
		n.Wait()
	})
	assert.Len(t, hub.Requests(), 1)
}

func TestNotifier_Disabled(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil, "", setupTestLogger())
	n.Notify(context.Background(), &task.Task{}, "ignored")
	n.Wait()
}
