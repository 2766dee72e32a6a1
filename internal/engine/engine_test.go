package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/config"
	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*model.Session)}
}

func (s *fakeSessions) GetSession(ctx context.Context, phone string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}
func (s *fakeSessions) UpsertSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.Phone] = &cp
	return nil
}
func (s *fakeSessions) UpdateSession(ctx context.Context, sess *model.Session) error {
	return s.UpsertSession(ctx, sess)
}
func (s *fakeSessions) ListSessions(ctx context.Context) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}
func (s *fakeSessions) DeleteSession(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, phone)
	return nil
}

type fakeChannels struct {
	mu       sync.Mutex
	channels map[string]*model.Channel
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{channels: make(map[string]*model.Channel)}
}

func (c *fakeChannels) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}
func (c *fakeChannels) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *ch
	c.channels[ch.ChannelID] = &cp
	return nil
}
func (c *fakeChannels) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.Channel
	for _, ch := range c.channels {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}
func (c *fakeChannels) SetForwardEnabled(ctx context.Context, channelID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	ch.ForwardEnabled = enabled
	return nil
}

type fakeMembers struct {
	mu        sync.Mutex
	rosters   map[string][]model.User
	operators []model.Operator
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{rosters: make(map[string][]model.User)}
}

func (m *fakeMembers) ReplaceMembers(ctx context.Context, channelID string, members []model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosters[channelID] = members
	return nil
}
func (m *fakeMembers) ListMembers(ctx context.Context, channelID string) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosters[channelID], nil
}
func (m *fakeMembers) IsOperator(ctx context.Context, userID string) (bool, error) {
	for _, op := range m.operators {
		if op.UserID == userID && op.IsActive {
			return true, nil
		}
	}
	return false, nil
}
func (m *fakeMembers) ListOperators(ctx context.Context) ([]model.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operators, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records map[model.Key]*model.ForwardRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[model.Key]*model.ForwardRecord)}
}

func (l *fakeLedger) InsertPending(ctx context.Context, r *model.ForwardRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := r.Key()
	if _, ok := l.records[key]; ok {
		return nil
	}
	rec := *r
	rec.Status = model.StatusPending
	l.records[key] = &rec
	return nil
}
func (l *fakeLedger) transition(key model.Key, to model.ForwardStatus, mutate func(*model.ForwardRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return store.ErrNotFound
	}
	if !model.CanTransition(rec.Status, to) {
		return store.ErrNotFound
	}
	rec.Status = to
	mutate(rec)
	return nil
}
func (l *fakeLedger) MarkSent(ctx context.Context, key model.Key, forwardedMessageID string) error {
	return l.transition(key, model.StatusSent, func(r *model.ForwardRecord) { r.ForwardedMessageID = forwardedMessageID })
}
func (l *fakeLedger) MarkFailed(ctx context.Context, key model.Key, errMsg string) error {
	return l.transition(key, model.StatusFailed, func(r *model.ForwardRecord) { r.ErrorMessage = errMsg })
}
func (l *fakeLedger) MarkSkipped(ctx context.Context, key model.Key, reason string) error {
	return l.transition(key, model.StatusSkipped, func(r *model.ForwardRecord) { r.ErrorMessage = reason })
}
func (l *fakeLedger) MarkDeleted(ctx context.Context, key model.Key) error {
	return l.transition(key, model.StatusDeleted, func(r *model.ForwardRecord) {})
}
func (l *fakeLedger) IncrementRetry(ctx context.Context, key model.Key) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	rec.RetryCount++
	return rec.RetryCount, nil
}
func (l *fakeLedger) Get(ctx context.Context, key model.Key) (*model.ForwardRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
func (l *fakeLedger) FindSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.ForwardRecord, error) {
	return nil, nil
}
func (l *fakeLedger) FindBySourceMessage(ctx context.Context, channelID, messageID string) ([]*model.ForwardRecord, error) {
	return nil, nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	sent   int
	failed int
}

func (m *fakeMetrics) IncrementSent(ctx context.Context, phone, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}
func (m *fakeMetrics) IncrementFailed(ctx context.Context, phone, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	return nil
}
func (m *fakeMetrics) IncrementFlood(ctx context.Context, phone, channelID string) error { return nil }
func (m *fakeMetrics) IncrementSpam(ctx context.Context, phone, channelID string) error  { return nil }
func (m *fakeMetrics) Snapshot(ctx context.Context) ([]model.MetricsPoint, error)        { return nil, nil }

type fakeClient struct {
	mu       sync.Mutex
	userID   string
	sent     []string
	sendErr  error
	dialogs  []transport.Dialog
	roles    map[string]transport.Role
	members  []transport.Participant
	events   chan transport.Event
	closeErr error
}

func (c *fakeClient) Connect(ctx context.Context, credential string) (transport.ConnectResult, error) {
	return transport.ConnectResult{UserID: c.userID}, nil
}
func (c *fakeClient) Subscribe(ctx context.Context, channelIDs []string) (<-chan transport.Event, error) {
	if c.events == nil {
		c.events = make(chan transport.Event)
	}
	return c.events, nil
}
func (c *fakeClient) Send(ctx context.Context, recipientUserID string, msg transport.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, recipientUserID)
	return "fwd-" + recipientUserID, nil
}
func (c *fakeClient) Delete(ctx context.Context, recipientUserID, forwardedMessageID string) error {
	return nil
}
func (c *fakeClient) GetParticipant(ctx context.Context, channelID, userID string) (transport.Role, error) {
	if c.roles == nil {
		return transport.RoleUnknown, nil
	}
	return c.roles[channelID], nil
}
func (c *fakeClient) GetParticipants(ctx context.Context, channelID string, limit int) ([]transport.Participant, error) {
	return c.members, nil
}
func (c *fakeClient) GetDialogs(ctx context.Context, limit int) ([]transport.Dialog, error) {
	return c.dialogs, nil
}
func (c *fakeClient) Close(ctx context.Context) error { return c.closeErr }

type fakeFactory struct {
	clients map[string]*fakeClient
}

func (f *fakeFactory) New(phone string) transport.Client {
	return f.clients[phone]
}

func testConfig() *config.Config {
	return &config.Config{
		Rate: config.RateConfig{
			GlobalCapacity: 1000, GlobalRefillPerMinute: 600000,
			SessionTokensPerMinute: 600000,
		},
		Dispatch: config.DispatchConfig{ChunkSize: 10, InterChunkDelayMs: 0},
		Queue:    config.QueueConfig{MinInterTaskDelayMs: 0, MaxInterTaskDelayMs: 1},
		Retry:    config.RetryConfig{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 2},
		Retention: config.RetentionConfig{
			MessageAgeHours: 24, CleanupIntervalHours: 24,
		},
		Membership: config.MembershipConfig{
			SyncIntervalMinutes: 60, MaxParticipants: 1000,
		},
		Supervisor: config.SupervisorConfig{
			ResumeCheckIntervalSeconds: 3600, SpamBackoff: time.Hour,
		},
		Control: config.ControlConfig{Host: "127.0.0.1", Port: 0},
	}
}

func newTestEngine(t *testing.T, sessions *fakeSessions, channels *fakeChannels, members *fakeMembers, ledger *fakeLedger, metricsStore store.MetricsStore, tf transport.Factory) *Engine {
	t.Helper()
	stores := &store.Stores{
		Sessions: sessions,
		Channels: channels,
		Members:  members,
		Ledger:   ledger,
		Metrics:  metricsStore,
	}
	e, err := New(context.Background(), testConfig(), stores, tf)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestAddSession_PersistsAndConnects(t *testing.T) {
	sessions := newFakeSessions()
	channels := newFakeChannels()
	members := newFakeMembers()
	ledger := newFakeLedger()
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, &fakeMetrics{}, tf)
	defer e.queue.StopAll()

	if err := e.AddSession(context.Background(), "+1", "cred"); err != nil {
		t.Fatalf("add session: %v", err)
	}

	sess, err := sessions.GetSession(context.Background(), "+1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != model.SessionActive {
		t.Errorf("expected session active after connect, got %s", sess.State)
	}
	if _, ok := e.Client("+1"); !ok {
		t.Error("expected +1 to be tracked as an active client")
	}
}

func TestDispatchMessage_SkipsUnmonitoredChannel(t *testing.T) {
	sessions := newFakeSessions()
	channels := newFakeChannels()
	channels.channels["chan1"] = &model.Channel{ChannelID: "chan1", ForwardEnabled: false}
	members := newFakeMembers()
	members.rosters["chan1"] = []model.User{{UserID: "u1"}}
	ledger := newFakeLedger()
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, &fakeMetrics{}, tf)
	defer e.queue.StopAll()

	e.mu.Lock()
	e.clients["+1"] = &activeClient{client: client, userID: "u-me"}
	e.mu.Unlock()

	e.dispatchMessage(context.Background(), "+1", "chan1", transport.Message{MessageID: "m1"})

	if len(client.sent) != 0 {
		t.Errorf("expected no dispatch for an unmonitored channel, got %v", client.sent)
	}
}

func TestDispatchMessage_ExcludesOperatorsAndBots(t *testing.T) {
	sessions := newFakeSessions()
	channels := newFakeChannels()
	channels.channels["chan1"] = &model.Channel{
		ChannelID: "chan1", ForwardEnabled: true, OwningSession: "+1",
	}
	members := newFakeMembers()
	members.rosters["chan1"] = []model.User{
		{UserID: "u1"}, {UserID: "bot1", IsBot: true}, {UserID: "op1"},
	}
	members.operators = []model.Operator{{UserID: "op1", IsActive: true}}
	ledger := newFakeLedger()
	metrics := &fakeMetrics{}
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, metrics, tf)
	defer e.queue.StopAll()

	e.mu.Lock()
	e.clients["+1"] = &activeClient{client: client, userID: "u-me"}
	e.mu.Unlock()
	e.queue.Start(context.Background(), "+1")

	e.dispatchMessage(context.Background(), "+1", "chan1", transport.Message{MessageID: "m1"})

	if len(client.sent) != 1 || client.sent[0] != "u1" {
		t.Fatalf("expected only u1 dispatched (bot and operator excluded), got %v", client.sent)
	}
	if metrics.sent != 1 {
		t.Errorf("expected 1 persisted sent counter, got %d", metrics.sent)
	}
}

func TestDispatchMessage_RateLimitQuarantinesSession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.sessions["+1"] = &model.Session{Phone: "+1", State: model.SessionActive}
	channels := newFakeChannels()
	channels.channels["chan1"] = &model.Channel{
		ChannelID: "chan1", ForwardEnabled: true, OwningSession: "+1",
	}
	members := newFakeMembers()
	members.rosters["chan1"] = []model.User{{UserID: "u1"}}
	ledger := newFakeLedger()
	metrics := &fakeMetrics{}
	client := &fakeClient{userID: "u-me", sendErr: errors.New("A wait of 60 seconds is required (flood wait)")}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, metrics, tf)
	defer e.queue.StopAll()

	e.mu.Lock()
	e.clients["+1"] = &activeClient{client: client, userID: "u-me"}
	e.mu.Unlock()
	e.queue.Start(context.Background(), "+1")

	e.dispatchMessage(context.Background(), "+1", "chan1", transport.Message{MessageID: "m1"})

	sess, err := sessions.GetSession(context.Background(), "+1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != model.SessionPaused || !sess.AutoPaused {
		t.Errorf("expected the session to be auto-quarantined, got %+v", sess)
	}
	if sess.PenaltyUntil.Before(time.Now().Add(59 * time.Second)) {
		t.Errorf("expected the flood-wait duration to set the penalty, got %v", sess.PenaltyUntil)
	}
	if _, ok := e.Client("+1"); ok {
		t.Error("expected the quarantined session's client to be evicted")
	}
}

func TestHandleEdit_DoesNotDispatch(t *testing.T) {
	sessions := newFakeSessions()
	channels := newFakeChannels()
	channels.channels["chan1"] = &model.Channel{
		ChannelID: "chan1", ForwardEnabled: true, OwningSession: "+1",
	}
	members := newFakeMembers()
	members.rosters["chan1"] = []model.User{{UserID: "u1"}}
	ledger := newFakeLedger()
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, &fakeMetrics{}, tf)
	defer e.queue.StopAll()

	e.handleEdit(context.Background(), "+1", "chan1", transport.Message{MessageID: "m1"})

	if len(client.sent) != 0 {
		t.Errorf("expected edits to never be dispatched, got %v", client.sent)
	}
}

func TestPauseAndResumeSession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.sessions["+1"] = &model.Session{Phone: "+1", State: model.SessionActive}
	channels := newFakeChannels()
	members := newFakeMembers()
	ledger := newFakeLedger()
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, &fakeMetrics{}, tf)
	defer e.queue.StopAll()

	if err := e.PauseSession(context.Background(), "+1", "manual"); err != nil {
		t.Fatalf("pause session: %v", err)
	}
	sess, _ := sessions.GetSession(context.Background(), "+1")
	if sess.State != model.SessionPaused || sess.AutoPaused {
		t.Errorf("expected a manual pause to leave auto-paused false, got %+v", sess)
	}

	if err := e.ResumeSession(context.Background(), "+1"); err != nil {
		t.Fatalf("resume session: %v", err)
	}
	sess, _ = sessions.GetSession(context.Background(), "+1")
	if sess.State != model.SessionActive {
		t.Errorf("expected session active again after resume, got %s", sess.State)
	}
}

func TestGetStatistics_CountsMonitoredChannelsAndActiveSessions(t *testing.T) {
	sessions := newFakeSessions()
	channels := newFakeChannels()
	channels.channels["chan1"] = &model.Channel{ChannelID: "chan1", ForwardEnabled: true, OwningSession: "+1"}
	channels.channels["chan2"] = &model.Channel{ChannelID: "chan2", ForwardEnabled: false}
	members := newFakeMembers()
	ledger := newFakeLedger()
	client := &fakeClient{userID: "u-me"}
	tf := &fakeFactory{clients: map[string]*fakeClient{"+1": client}}

	e := newTestEngine(t, sessions, channels, members, ledger, &fakeMetrics{}, tf)
	defer e.queue.StopAll()

	e.mu.Lock()
	e.clients["+1"] = &activeClient{client: client, userID: "u-me"}
	e.mu.Unlock()

	stats, err := e.GetStatistics(context.Background())
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", stats.ActiveSessions)
	}
	if stats.MonitoredChannels != 1 {
		t.Errorf("expected 1 monitored channel, got %d", stats.MonitoredChannels)
	}
}
