package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/queue"
	"github.com/nextlevelbuilder/telefwd/internal/router"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// newTestQueue starts a queue with a worker for "+1", the phone every test
// session in this file uses.
func newTestQueue() *queue.Manager {
	q := queue.New(queue.Config{MinInterTaskDelayMs: 0, MaxInterTaskDelayMs: 1})
	q.Start(context.Background(), "+1")
	return q
}

type fakeChannels struct {
	channels map[string]*model.Channel
}

func (c *fakeChannels) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ch, nil
}
func (c *fakeChannels) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	c.channels[ch.ChannelID] = ch
	return nil
}
func (c *fakeChannels) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	var out []*model.Channel
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out, nil
}
func (c *fakeChannels) SetForwardEnabled(ctx context.Context, channelID string, enabled bool) error {
	c.channels[channelID].ForwardEnabled = enabled
	return nil
}

type fakeMembers struct {
	rosters map[string][]model.User
}

func (m *fakeMembers) ReplaceMembers(ctx context.Context, channelID string, members []model.User) error {
	m.rosters[channelID] = members
	return nil
}
func (m *fakeMembers) ListMembers(ctx context.Context, channelID string) ([]model.User, error) {
	return m.rosters[channelID], nil
}
func (m *fakeMembers) IsOperator(ctx context.Context, userID string) (bool, error) { return false, nil }
func (m *fakeMembers) ListOperators(ctx context.Context) ([]model.Operator, error) { return nil, nil }

type fakeClient struct {
	transport.Client
	dialogs      []transport.Dialog
	roles        map[string]transport.Role
	participants map[string][]transport.Participant
}

func (c *fakeClient) GetDialogs(ctx context.Context, limit int) ([]transport.Dialog, error) {
	return c.dialogs, nil
}
func (c *fakeClient) GetParticipant(ctx context.Context, channelID, userID string) (transport.Role, error) {
	return c.roles[channelID], nil
}
func (c *fakeClient) GetParticipants(ctx context.Context, channelID string, limit int) ([]transport.Participant, error) {
	return c.participants[channelID], nil
}

func TestSyncSession_SkipsNonAdminChannels(t *testing.T) {
	channels := &fakeChannels{channels: map[string]*model.Channel{}}
	members := &fakeMembers{rosters: map[string][]model.User{}}
	r := router.New(router.Handlers{})

	client := &fakeClient{
		dialogs: []transport.Dialog{
			{ChannelID: "admin-chan", IsChannel: true},
			{ChannelID: "member-chan", IsChannel: true},
			{ChannelID: "dm", IsChannel: false},
		},
		roles: map[string]transport.Role{
			"admin-chan":  transport.RoleAdmin,
			"member-chan": transport.RoleMember,
		},
		participants: map[string][]transport.Participant{
			"admin-chan": {{UserID: "u1"}, {UserID: "u2", IsBot: true}},
		},
	}

	q := newTestQueue()
	defer q.StopAll()

	s := New(Config{MaxParticipants: 100}, channels, members, nil, r, q)
	if err := s.SyncSession(context.Background(), ActiveSession{Phone: "+1", UserID: "me", Client: client}); err != nil {
		t.Fatalf("sync session: %v", err)
	}

	if _, ok := channels.channels["admin-chan"]; !ok {
		t.Errorf("expected admin-chan to be upserted")
	}
	if _, ok := channels.channels["member-chan"]; ok {
		t.Errorf("expected member-chan to be skipped, session is not admin there")
	}

	roster := members.rosters["admin-chan"]
	if len(roster) != 1 || roster[0].UserID != "u1" {
		t.Errorf("expected bot u2 filtered out of roster, got %+v", roster)
	}
}

func TestSyncSession_PreservesForwardEnabledOnResync(t *testing.T) {
	channels := &fakeChannels{channels: map[string]*model.Channel{
		"chan1": {ChannelID: "chan1", ForwardEnabled: true, Throttle: model.ChannelThrottle{BaseDelayMs: 500}},
	}}
	members := &fakeMembers{rosters: map[string][]model.User{}}
	r := router.New(router.Handlers{})

	client := &fakeClient{
		dialogs:      []transport.Dialog{{ChannelID: "chan1", IsChannel: true}},
		roles:        map[string]transport.Role{"chan1": transport.RoleCreator},
		participants: map[string][]transport.Participant{"chan1": {{UserID: "u1"}}},
	}

	q := newTestQueue()
	defer q.StopAll()

	s := New(Config{}, channels, members, nil, r, q)
	if err := s.SyncSession(context.Background(), ActiveSession{Phone: "+1", UserID: "me", Client: client}); err != nil {
		t.Fatalf("sync session: %v", err)
	}

	ch := channels.channels["chan1"]
	if !ch.ForwardEnabled || ch.Throttle.BaseDelayMs != 500 {
		t.Errorf("expected forward-enabled + throttle config preserved across resync, got %+v", ch)
	}
}

func TestSyncChannel_PropagatesParticipantError(t *testing.T) {
	channels := &fakeChannels{channels: map[string]*model.Channel{}}
	members := &fakeMembers{rosters: map[string][]model.User{}}
	r := router.New(router.Handlers{})

	client := &fakeClient{
		dialogs: []transport.Dialog{{ChannelID: "chan1", IsChannel: true}},
		roles:   map[string]transport.Role{"chan1": transport.RoleAdmin},
	}
	client.participants = nil // GetParticipants will return nil, nil — no error case to layer separately

	q := newTestQueue()
	defer q.StopAll()

	s := New(Config{}, channels, members, nil, r, q)
	err := s.syncChannel(context.Background(), "+1", transport.Dialog{ChannelID: "chan1"}, &erroringClient{fakeClient: client})
	if err == nil {
		t.Fatal("expected participant enumeration error to propagate")
	}
}

type erroringClient struct {
	*fakeClient
}

func (c *erroringClient) GetParticipants(ctx context.Context, channelID string, limit int) ([]transport.Participant, error) {
	return nil, errors.New("boom")
}

// TestSyncSession_RediscoversPersistedChannelOnEmptyDialogs covers the Bot
// API transport's cold-start gap: GetDialogs returns nothing until a fresh
// my_chat_member update arrives, so a restarted process must fall back to
// channels already persisted as owned by this session.
func TestSyncSession_RediscoversPersistedChannelOnEmptyDialogs(t *testing.T) {
	channels := &fakeChannels{channels: map[string]*model.Channel{
		"chan1": {ChannelID: "chan1", Title: "Old Channel", OwningSession: "+1"},
		"chan2": {ChannelID: "chan2", Title: "Other Session's Channel", OwningSession: "+2"},
	}}
	members := &fakeMembers{rosters: map[string][]model.User{}}
	r := router.New(router.Handlers{})

	client := &fakeClient{
		dialogs: nil, // fresh process, no my_chat_member update observed yet
		roles:   map[string]transport.Role{"chan1": transport.RoleAdmin},
		participants: map[string][]transport.Participant{
			"chan1": {{UserID: "u1"}},
		},
	}

	q := newTestQueue()
	defer q.StopAll()

	s := New(Config{}, channels, members, nil, r, q)
	if err := s.SyncSession(context.Background(), ActiveSession{Phone: "+1", UserID: "me", Client: client}); err != nil {
		t.Fatalf("sync session: %v", err)
	}

	if _, ok := channels.channels["chan1"]; !ok {
		t.Errorf("expected persisted chan1 to be rediscovered and refreshed")
	}
	if ch := channels.channels["chan2"]; ch.MemberCount != 0 {
		t.Errorf("expected another session's channel left untouched, got %+v", ch)
	}
}
