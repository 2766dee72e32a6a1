// Package model defines the core data types shared across the forwarding
// engine: sessions, monitored channels, recipients, operators, and the
// forward ledger.
package model

import "time"

// SessionState is the lifecycle state of one impersonating client session.
type SessionState string

const (
	SessionInactive SessionState = "inactive"
	SessionActive   SessionState = "active"
	SessionPaused   SessionState = "paused"
	SessionError    SessionState = "error"
)

// Session is one impersonating client session.
type Session struct {
	Phone      string // primary identity
	UserID     string // assigned after first authentication
	Credential string // opaque, restores the session; never logged

	State SessionState

	AutoPaused   bool
	PauseReason  string
	PenaltyUntil time.Time
	LastError    string
	LastActive   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsQuarantined reports whether the session is in the auto-paused penalty window.
func (s *Session) IsQuarantined(now time.Time) bool {
	return s.AutoPaused && s.State == SessionPaused && now.Before(s.PenaltyUntil)
}

// ResumeEligible reports whether an auto-paused session's penalty has expired.
func (s *Session) ResumeEligible(now time.Time) bool {
	return s.AutoPaused && s.State == SessionPaused && !now.Before(s.PenaltyUntil)
}

// ChannelThrottle is the per-channel throttle triple from spec §3/§4.1.
type ChannelThrottle struct {
	BaseDelayMs      int
	PerMemberDelayMs int
	MinDelayMs       int
	MaxDelayMs       int
}

// Gap computes D_ch = clamp(base + memberCount*perMember, min, max).
func (t ChannelThrottle) Gap(memberCount int) time.Duration {
	ms := t.BaseDelayMs + memberCount*t.PerMemberDelayMs
	if t.MinDelayMs > 0 && ms < t.MinDelayMs {
		ms = t.MinDelayMs
	}
	if t.MaxDelayMs > 0 && ms > t.MaxDelayMs {
		ms = t.MaxDelayMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Channel is a monitored source broadcast channel.
type Channel struct {
	ChannelID   string
	Title       string
	Username    string
	MemberCount int

	ForwardEnabled bool
	Throttle       ChannelThrottle

	OwningSession string // phone of the session with admin rights here

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsMonitored reports whether this channel is eligible for fan-out
// (forwarding enabled and an owning session assigned).
func (c *Channel) IsMonitored() bool {
	return c.ForwardEnabled && c.OwningSession != ""
}

// User is a channel member eligible to receive forwarded copies.
type User struct {
	UserID    string
	FirstName string
	LastName  string
	Username  string
	Phone     string
	IsBot     bool
}

// OperatorRole distinguishes control-plane admin levels.
type OperatorRole string

const (
	RoleAdmin      OperatorRole = "admin"
	RoleSuperAdmin OperatorRole = "superAdmin"
)

// Operator is a control-plane administrator, always excluded from fan-out.
type Operator struct {
	UserID   string
	Role     OperatorRole
	IsActive bool
}

// ForwardStatus is the ledger row's lifecycle status (spec §3 invariant #2).
type ForwardStatus string

const (
	StatusPending ForwardStatus = "pending"
	StatusSent    ForwardStatus = "sent"
	StatusFailed  ForwardStatus = "failed"
	StatusSkipped ForwardStatus = "skipped"
	StatusDeleted ForwardStatus = "deleted"
)

// validTransitions encodes the status DAG from spec §3/§8:
// pending -> {sent, failed, skipped}; sent -> deleted. No other edges exist.
var validTransitions = map[ForwardStatus]map[ForwardStatus]bool{
	StatusPending: {StatusSent: true, StatusFailed: true, StatusSkipped: true},
	StatusSent:    {StatusDeleted: true},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to ForwardStatus) bool {
	if from == to {
		return true
	}
	edges, ok := validTransitions[from]
	return ok && edges[to]
}

// ForwardRecord is one ledger row, keyed by (sourceChannelId, sourceMessageId, recipientUserId).
type ForwardRecord struct {
	SourceChannelID  string
	SourceMessageID  string
	RecipientUserID  string

	SessionPhone       string
	ForwardedMessageID string // empty until sent, cleared after deletion

	Status       ForwardStatus
	RetryCount   int
	ErrorMessage string

	GroupedID string // non-empty when part of an album/media group

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key identifies the unique ledger row for this (source message, recipient) pair.
type Key struct {
	SourceChannelID string
	SourceMessageID string
	RecipientUserID string
}

func (r *ForwardRecord) Key() Key {
	return Key{r.SourceChannelID, r.SourceMessageID, r.RecipientUserID}
}

// MetricsPoint is a per-session, per-channel counter bucket (spec §3).
type MetricsPoint struct {
	SessionPhone string
	ChannelID    string

	MessagesSent   int64
	MessagesFailed int64
	FloodEvents    int64
	SpamEvents     int64

	BucketStart time.Time
}
