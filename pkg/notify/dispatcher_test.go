package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/observability"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	events   []admission.Event
	failures int // fail this many deliveries before succeeding
}

func (r *recordingSubscriber) Name() string { return "recording" }

func (r *recordingSubscriber) Notify(ctx context.Context, event admission.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("delivery failed")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond())
}

func TestDispatcher_DeliversToAllSubscribers(t *testing.T) {
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	d := NewDispatcher(context.Background(), Config{}, testLogger(), a, b)
	defer d.Shutdown(time.Second)

	d.Dispatch(admission.Event{TenantID: "acme", Kind: admission.EventRejection, Reason: "connections"})

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
	assert.Equal(t, "acme", a.events[0].TenantID)
}

func TestDispatcher_RetriesFailedDeliveries(t *testing.T) {
	sub := &recordingSubscriber{failures: 2}
	d := NewDispatcher(context.Background(), Config{Retries: 3, RetryBackoff: time.Millisecond}, testLogger(), sub)
	defer d.Shutdown(time.Second)

	d.Dispatch(admission.Event{TenantID: "acme", Kind: admission.EventEviction})

	waitFor(t, func() bool { return sub.count() == 1 })
}

func TestDispatcher_GivesUpAfterRetryBudget(t *testing.T) {
	sub := &recordingSubscriber{failures: 10}
	d := NewDispatcher(context.Background(), Config{Retries: 2, RetryBackoff: time.Millisecond}, testLogger(), sub)

	d.Dispatch(admission.Event{TenantID: "acme", Kind: admission.EventThrottle})
	require.NoError(t, d.Shutdown(2*time.Second))

	assert.Equal(t, 0, sub.count())
}

func TestWebhookSubscriber_PostsJSON(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sub := NewWebhookSubscriber(server.URL)
	err := sub.Notify(context.Background(), admission.Event{
		TenantID: "acme",
		Kind:     admission.EventRejection,
		Reason:   "rate",
		At:       time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "rejection", got.Kind)
}

func TestWebhookSubscriber_ErrorStatusIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSubscriber(server.URL).Notify(context.Background(), admission.Event{TenantID: "acme"})
	assert.Error(t, err)
}
