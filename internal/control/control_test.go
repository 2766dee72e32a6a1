package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

type fakeOps struct {
	sessions        []*model.Session
	channels        []*model.Channel
	paused, resumed []string
	forwardCalls    map[string]bool
}

func (o *fakeOps) AddSession(ctx context.Context, phone, credential string) error {
	o.sessions = append(o.sessions, &model.Session{Phone: phone})
	return nil
}
func (o *fakeOps) PauseSession(ctx context.Context, phone, reason string) error {
	o.paused = append(o.paused, phone)
	return nil
}
func (o *fakeOps) ResumeSession(ctx context.Context, phone string) error {
	o.resumed = append(o.resumed, phone)
	return nil
}
func (o *fakeOps) RemoveSession(ctx context.Context, phone string) error { return nil }
func (o *fakeOps) SetChannelForwarding(ctx context.Context, channelID string, enabled bool) error {
	if o.forwardCalls == nil {
		o.forwardCalls = map[string]bool{}
	}
	o.forwardCalls[channelID] = enabled
	return nil
}
func (o *fakeOps) ListSessions(ctx context.Context) ([]*model.Session, error) { return o.sessions, nil }
func (o *fakeOps) ListChannels(ctx context.Context) ([]*model.Channel, error) { return o.channels, nil }
func (o *fakeOps) GetStatistics(ctx context.Context) (Statistics, error) {
	return Statistics{ActiveSessions: len(o.sessions)}, nil
}

func TestServer_AddSession(t *testing.T) {
	ops := &fakeOps{}
	srv := NewServer(Config{}, ops, NewFeed())

	body := strings.NewReader(`{"phone":"+1","credential":"cred"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/", body)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(ops.sessions) != 1 || ops.sessions[0].Phone != "+1" {
		t.Errorf("expected session +1 added, got %+v", ops.sessions)
	}
}

func TestServer_PauseSession(t *testing.T) {
	ops := &fakeOps{}
	srv := NewServer(Config{}, ops, NewFeed())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/+1/pause", strings.NewReader(`{"reason":"manual"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(ops.paused) != 1 || ops.paused[0] != "+1" {
		t.Errorf("expected +1 paused, got %+v", ops.paused)
	}
}

func TestServer_RequiresBearerTokenWhenConfigured(t *testing.T) {
	ops := &fakeOps{}
	srv := NewServer(Config{Token: "secret"}, ops, NewFeed())

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", w.Code)
	}

	var stats Statistics
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func TestFeed_BroadcastDropsWhenClientBufferFull(t *testing.T) {
	f := NewFeed()
	c := &feedClient{send: make(chan FeedEvent, 1), stop: make(chan struct{})}
	f.clients[c] = struct{}{}

	f.Broadcast(FeedEvent{Kind: "a", Timestamp: time.Now()})
	f.Broadcast(FeedEvent{Kind: "b", Timestamp: time.Now()}) // buffer full, should drop, not block

	select {
	case ev := <-c.send:
		if ev.Kind != "a" {
			t.Errorf("expected the first event to survive, got %s", ev.Kind)
		}
	default:
		t.Fatal("expected the first event to be buffered")
	}
}
