package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/loadsync/transport"
)

func TestManualPublishesTransitions(t *testing.T) {
	m := NewManual(false)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.SetOnline(false), "no change, no event")
	assert.True(t, m.SetOnline(true))

	select {
	case ev := <-events:
		assert.True(t, ev.Online)
	case <-time.After(time.Second):
		t.Fatal("expected an online event")
	}
	assert.True(t, m.Online())
}

func TestSlowSubscriberSeesLatestState(t *testing.T) {
	m := NewManual(false)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	ev := <-events
	assert.True(t, ev.Online)
	select {
	case <-events:
		t.Fatal("only the latest transition is buffered")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManual(true)
	events, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
	// Publishing without a subscriber is fine
	m.SetOnline(false)
}

func TestResubscribeEndsPreviousSubscription(t *testing.T) {
	m := NewManual(false)
	first, _ := m.Subscribe()
	second, unsubscribe := m.Subscribe()
	defer unsubscribe()

	_, ok := <-first
	assert.False(t, ok)

	m.SetOnline(true)
	ev := <-second
	assert.True(t, ev.Online)
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	client, err := transport.New(srv.URL)
	require.NoError(t, err)

	p := NewProber(client, WithInterval(10*time.Millisecond))
	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	assert.True(t, p.Probe(context.Background()))
	ev := <-events
	assert.True(t, ev.Online)

	srv.Close()
	assert.False(t, p.Probe(context.Background()))
	ev = <-events
	assert.False(t, ev.Online)
}

func TestProberRunStopsWithContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	client, err := transport.New(srv.URL)
	require.NoError(t, err)

	p := NewProber(client, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, p.Online, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
