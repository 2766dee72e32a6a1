package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeRepo(sessions ...*model.Session) *fakeRepo {
	r := &fakeRepo{sessions: make(map[string]*model.Session)}
	for _, s := range sessions {
		r.sessions[s.Phone] = s
	}
	return r
}

func (r *fakeRepo) GetSession(ctx context.Context, phone string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[phone]
	if !ok {
		return nil, fmt.Errorf("no such session %s", phone)
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) UpdateSession(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.Phone] = &cp
	return nil
}

func (r *fakeRepo) ListSessions(ctx context.Context) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

type fakeClient struct {
	events chan transport.Event
	closed chan struct{}
}

func (c *fakeClient) Connect(ctx context.Context, credential string) (transport.ConnectResult, error) {
	return transport.ConnectResult{UserID: "u1"}, nil
}
func (c *fakeClient) Subscribe(ctx context.Context, channelIDs []string) (<-chan transport.Event, error) {
	return c.events, nil
}
func (c *fakeClient) Send(ctx context.Context, recipientUserID string, msg transport.Message) (string, error) {
	return "1", nil
}
func (c *fakeClient) Delete(ctx context.Context, recipientUserID, forwardedMessageID string) error {
	return nil
}
func (c *fakeClient) GetParticipant(ctx context.Context, channelID, userID string) (transport.Role, error) {
	return transport.RoleMember, nil
}
func (c *fakeClient) GetParticipants(ctx context.Context, channelID string, limit int) ([]transport.Participant, error) {
	return nil, nil
}
func (c *fakeClient) GetDialogs(ctx context.Context, limit int) ([]transport.Dialog, error) {
	return nil, nil
}
func (c *fakeClient) Close(ctx context.Context) error {
	close(c.closed)
	return nil
}

type fakeFactory struct {
	client *fakeClient
}

func (f *fakeFactory) New(phone string) transport.Client { return f.client }

func TestStart_RunsMembershipSyncBeforeEvents(t *testing.T) {
	repo := newFakeRepo(&model.Session{Phone: "+1", State: model.SessionInactive})
	client := &fakeClient{events: make(chan transport.Event, 1), closed: make(chan struct{})}
	factory := &fakeFactory{client: client}

	var syncedBeforeEvent bool
	var eventReceived bool
	var mu sync.Mutex

	hooks := Hooks{
		OnConnected: func(ctx context.Context, phone string, c transport.Client, channelIDs []string) error {
			mu.Lock()
			syncedBeforeEvent = true
			mu.Unlock()
			return nil
		},
		OnEvent: func(ctx context.Context, phone string, ev transport.Event) {
			mu.Lock()
			eventReceived = syncedBeforeEvent
			mu.Unlock()
		},
	}

	sv := New(Config{SpamBackoff: time.Minute}, repo, factory, hooks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx, "+1", []string{"c1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.events <- transport.Event{Kind: transport.EventNew, ChannelID: "c1"}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !eventReceived {
		t.Error("expected membership sync to complete before the first event was routed")
	}
}

func TestStart_QuarantinedSessionRefusesStart(t *testing.T) {
	repo := newFakeRepo(&model.Session{
		Phone:        "+1",
		State:        model.SessionPaused,
		AutoPaused:   true,
		PenaltyUntil: time.Now().Add(time.Hour),
	})
	client := &fakeClient{events: make(chan transport.Event, 1), closed: make(chan struct{})}
	sv := New(Config{}, repo, &fakeFactory{client: client}, Hooks{})

	if err := sv.Start(context.Background(), "+1", nil); err == nil {
		t.Fatal("expected quarantined session to refuse start")
	}
}

func TestQuarantine_SetsPenaltyUntil(t *testing.T) {
	repo := newFakeRepo(&model.Session{Phone: "+1", State: model.SessionActive})
	sv := New(Config{SpamBackoff: 5 * time.Minute}, repo, &fakeFactory{}, Hooks{})

	if err := sv.Quarantine(context.Background(), "+1", "spam warning", 5*time.Minute); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	s, _ := repo.GetSession(context.Background(), "+1")
	if !s.AutoPaused || s.State != model.SessionPaused {
		t.Errorf("expected session to be paused and auto-paused, got %+v", s)
	}
	if s.PenaltyUntil.Before(time.Now().Add(4 * time.Minute)) {
		t.Errorf("expected penalty to extend roughly 5 minutes, got %v", s.PenaltyUntil)
	}
}

func TestPause_DoesNotSetAutoPaused(t *testing.T) {
	repo := newFakeRepo(&model.Session{Phone: "+1", State: model.SessionActive})
	sv := New(Config{SpamBackoff: 5 * time.Minute}, repo, &fakeFactory{}, Hooks{})

	if err := sv.Pause(context.Background(), "+1", "manual"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s, _ := repo.GetSession(context.Background(), "+1")
	if s.State != model.SessionPaused || s.AutoPaused {
		t.Errorf("expected paused without auto-pause, got %+v", s)
	}
	if s.ResumeEligible(time.Now().Add(time.Hour)) {
		t.Error("expected a manually paused session to never be resume-sweep eligible")
	}
}

func TestRunResumeSweep_RestartsEligibleSessions(t *testing.T) {
	repo := newFakeRepo(&model.Session{
		Phone:        "+1",
		State:        model.SessionPaused,
		AutoPaused:   true,
		PenaltyUntil: time.Now().Add(-time.Second),
	})
	sv := New(Config{ResumeCheckIntervalSeconds: 1}, repo, &fakeFactory{}, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	restarted := make(chan string, 1)
	go sv.RunResumeSweep(ctx, func(ctx context.Context, phone string) error {
		restarted <- phone
		return nil
	})

	select {
	case phone := <-restarted:
		if phone != "+1" {
			t.Errorf("expected +1 to be restarted, got %s", phone)
		}
	case <-ctx.Done():
		t.Fatal("resume sweep never restarted the eligible session")
	}
}
