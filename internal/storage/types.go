package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled     = errors.New("storage disabled")
	ErrPollNotFound = errors.New("poll not found")
	ErrPollClosed   = errors.New("poll closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Recipient is an opted-in (or opted-out) user of one tenant.
// Channel is the cached private channel; empty until resolved.
type Recipient struct {
	TenantID    string
	UserID      string
	Name        string
	DisplayName string
	RealName    string
	Channel     string
	Subscribed  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BroadcastMeta is written once per broadcast, before any AuditEntry.
type BroadcastMeta struct {
	BroadcastID string
	TenantID    string
	Action      string
	InitiatedBy string
	MenuJSON    string
	CreatedAt   time.Time
}

// AuditEntry records one (broadcast, recipient) delivery attempt.
// Keep it compact and schema-stable.
type AuditEntry struct {
	BroadcastID  string
	TenantID     string
	Action       string
	InitiatedBy  string
	TargetUserID string
	Channel      string
	MessageRef   string
	OK           bool
	Error        string
	At           time.Time
}

type Poll struct {
	ID        string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

func (p Poll) Open() bool { return p.ClosedAt == nil }

// Identity is a (tenant, user) pair; user ids are only unique per tenant.
type Identity struct {
	TenantID string
	UserID   string
}

// Placement records where a viewer's live poll message currently lives.
type Placement struct {
	PollID     string
	TenantID   string
	UserID     string
	Channel    string
	MessageRef string
}

// Store is the persistence surface the engines depend on.
type Store interface {
	Subscribed(ctx context.Context, tenant string) ([]Recipient, error)
	Recipient(ctx context.Context, tenant, user string) (Recipient, bool, error)
	UpsertRecipient(ctx context.Context, r Recipient) error
	SetCachedChannel(ctx context.Context, tenant, user, channel string) error
	Unsubscribe(ctx context.Context, tenant, user string) error

	CreateBroadcast(ctx context.Context, m BroadcastMeta) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditFor(ctx context.Context, broadcastID string) ([]AuditEntry, error)

	CreatePoll(ctx context.Context) (Poll, error)
	Poll(ctx context.Context, pollID string) (Poll, error)
	ClosePoll(ctx context.Context, pollID string) error
	ToggleVote(ctx context.Context, pollID, tenant, user, choice string) (added bool, err error)
	VoteCounts(ctx context.Context, pollID string) (map[string]int, error)
	DistinctVoterCount(ctx context.Context, pollID string) (int, error)
	VoterIdentities(ctx context.Context, pollID, choice string) ([]Identity, error)
	VoterChoices(ctx context.Context, pollID, tenant, user string) (map[string]bool, error)

	SavePlacement(ctx context.Context, p Placement) error
	Placements(ctx context.Context, pollID string) ([]Placement, error)

	Close() error
}

var _ Store = (*SQLStore)(nil)
