package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
)

// TelegramFactory constructs TelegramClients sharing the same API
// credentials; one Client is created per session phone.
type TelegramFactory struct {
	APIID   string
	APIHash string
}

func (f *TelegramFactory) New(phone string) Client {
	return &TelegramClient{phone: phone, apiID: f.APIID, apiHash: f.APIHash}
}

// TelegramClient adapts one impersonating session's connection to the
// long-polling update stream and send/delete/admin-check calls.
type TelegramClient struct {
	phone   string
	apiID   string
	apiHash string

	bot *telego.Bot

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	dialogMu sync.Mutex
	dialogs  map[int64]Dialog
}

func (c *TelegramClient) Connect(ctx context.Context, credential string) (ConnectResult, error) {
	bot, err := telego.NewBot(credential)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("connect session %s: %w", c.phone, err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("authenticate session %s: %w", c.phone, err)
	}
	c.bot = bot
	return ConnectResult{UserID: strconv.FormatInt(me.ID, 10)}, nil
}

// Subscribe starts long polling for the session and translates raw updates
// into Events. It mirrors the cancellable-context, closed-on-exit drain
// discipline a long-running poller needs for a clean Stop.
func (c *TelegramClient) Subscribe(ctx context.Context, channelIDs []string) (<-chan Event, error) {
	if c.bot == nil {
		return nil, fmt.Errorf("subscribe session %s: not connected", c.phone)
	}

	monitored := make(map[int64]bool, len(channelIDs))
	for _, id := range channelIDs {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			monitored[v] = true
		}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"channel_post",
			"edited_channel_post",
			"my_chat_member",
			"chat_member",
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start long polling for %s: %w", c.phone, err)
	}

	out := make(chan Event, 64)

	go func() {
		defer close(c.pollDone)
		defer close(out)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("transport updates channel closed", "phone", c.phone)
					return
				}
				if update.MyChatMember != nil {
					c.recordDialog(update.MyChatMember)
				}
				if ev, ok := translateUpdate(update, monitored); ok {
					select {
					case out <- ev:
					case <-pollCtx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func translateUpdate(update telego.Update, monitored map[int64]bool) (Event, bool) {
	switch {
	case update.Message != nil:
		chatID := update.Message.Chat.ID
		if len(monitored) > 0 && !monitored[chatID] {
			return Event{}, false
		}
		return Event{
			Kind:      EventNew,
			ChannelID: strconv.FormatInt(chatID, 10),
			MessageID: strconv.Itoa(update.Message.MessageID),
			Message: &Message{
				MessageID: strconv.Itoa(update.Message.MessageID),
				GroupedID: update.Message.MediaGroupID,
				Text:      update.Message.Text,
				SenderID:  senderID(update.Message.From),
			},
		}, true
	case update.EditedMessage != nil:
		chatID := update.EditedMessage.Chat.ID
		if len(monitored) > 0 && !monitored[chatID] {
			return Event{}, false
		}
		return Event{
			Kind:      EventEdit,
			ChannelID: strconv.FormatInt(chatID, 10),
			MessageID: strconv.Itoa(update.EditedMessage.MessageID),
			Message: &Message{
				MessageID: strconv.Itoa(update.EditedMessage.MessageID),
				Text:      update.EditedMessage.Text,
				SenderID:  senderID(update.EditedMessage.From),
			},
		}, true
	case update.MyChatMember != nil:
		return Event{
			Kind:      EventMemberUpdate,
			ChannelID: strconv.FormatInt(update.MyChatMember.Chat.ID, 10),
		}, true
	case update.ChatMember != nil:
		return Event{
			Kind:      EventMemberUpdate,
			ChannelID: strconv.FormatInt(update.ChatMember.Chat.ID, 10),
		}, true
	default:
		return Event{}, false
	}
}

func senderID(u *telego.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

func (c *TelegramClient) Send(ctx context.Context, recipientUserID string, msg Message) (string, error) {
	chatID, err := strconv.ParseInt(recipientUserID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("send: invalid recipient %q: %w", recipientUserID, err)
	}
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Text,
	}
	if msg.HTML != "" {
		params.Text = msg.HTML
		params.ParseMode = telego.ModeHTML
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *TelegramClient) Delete(ctx context.Context, recipientUserID, forwardedMessageID string) error {
	chatID, err := strconv.ParseInt(recipientUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("delete: invalid recipient %q: %w", recipientUserID, err)
	}
	msgID, err := strconv.Atoi(forwardedMessageID)
	if err != nil {
		return fmt.Errorf("delete: invalid message id %q: %w", forwardedMessageID, err)
	}
	err = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
	})
	if err != nil {
		if Classify(err).Kind == KindNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return err
	}
	return nil
}

func (c *TelegramClient) GetParticipant(ctx context.Context, channelID, userID string) (Role, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return RoleUnknown, fmt.Errorf("getParticipant: invalid channel %q: %w", channelID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return RoleUnknown, fmt.Errorf("getParticipant: invalid user %q: %w", userID, err)
	}
	member, err := c.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: telego.ChatID{ID: chatID},
		UserID: uid,
	})
	if err != nil {
		return RoleUnknown, err
	}
	switch member.MemberStatus() {
	case telego.MemberStatusCreator:
		return RoleCreator, nil
	case telego.MemberStatusAdministrator:
		return RoleAdmin, nil
	case telego.MemberStatusMember:
		return RoleMember, nil
	default:
		return RoleUnknown, nil
	}
}

// GetParticipants returns the channel's administrators (GetChatAdministrators),
// capped at limit. Other members are not enumerated, so the result is not
// the channel's full member list.
func (c *TelegramClient) GetParticipants(ctx context.Context, channelID string, limit int) ([]Participant, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("getParticipants: invalid channel %q: %w", channelID, err)
	}
	count, err := c.bot.GetChatMemberCount(ctx, &telego.GetChatMemberCountParams{
		ChatID: telego.ChatID{ID: chatID},
	})
	if err != nil {
		return nil, err
	}
	admins, err := c.bot.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{
		ChatID: telego.ChatID{ID: chatID},
	})
	if err != nil {
		return nil, err
	}

	participants := make([]Participant, 0, len(admins))
	for _, m := range admins {
		u := m.MemberUser()
		if u == nil {
			continue
		}
		participants = append(participants, Participant{
			UserID:    strconv.FormatInt(u.ID, 10),
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Username:  u.Username,
			IsBot:     u.IsBot,
		})
		if limit > 0 && len(participants) >= limit {
			break
		}
	}
	_ = count // the member count is fetched but not returned to the caller
	return participants, nil
}

// recordDialog updates the known-dialogs set from a my_chat_member update.
// The Bot API has no dialog-listing call (spec §6); this is how a session
// discovers which channels it can see, since every add/promote/demote/
// remove transition for the bot itself arrives as this update kind.
func (c *TelegramClient) recordDialog(m *telego.ChatMemberUpdated) {
	c.dialogMu.Lock()
	defer c.dialogMu.Unlock()
	if c.dialogs == nil {
		c.dialogs = make(map[int64]Dialog)
	}

	switch m.NewChatMember.MemberStatus() {
	case telego.MemberStatusLeft, telego.MemberStatusKicked:
		delete(c.dialogs, m.Chat.ID)
		return
	}

	c.dialogs[m.Chat.ID] = Dialog{
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		Title:     m.Chat.Title,
		IsChannel: m.Chat.Type != telego.ChatTypePrivate,
	}
}

// GetDialogs returns every channel this client has seen itself added to,
// promoted in, or demoted from since Subscribe started polling (recorded by
// recordDialog). A process that just restarted has an empty set until the
// next my_chat_member update arrives; membership.Synchronizer compensates by
// also rechecking the channels already persisted as owned by this session
// (see DESIGN.md).
func (c *TelegramClient) GetDialogs(ctx context.Context, limit int) ([]Dialog, error) {
	c.dialogMu.Lock()
	defer c.dialogMu.Unlock()
	out := make([]Dialog, 0, len(c.dialogs))
	for _, d := range c.dialogs {
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *TelegramClient) Close(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("transport polling goroutine did not exit within timeout", "phone", c.phone)
		}
	}
	return nil
}
