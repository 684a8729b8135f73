package broadcast

import (
	"time"

	"babbell/internal/transport"
)

// Failure kinds.
const (
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonTransportRejected  = "transport_rejected"
	ReasonTenantUnreachable  = "tenant_unreachable"
	ReasonPollClosed         = "poll_closed"
)

type Config struct {
	// IncludeActor appends "(by <initiator>)" to the broadcast text.
	IncludeActor bool
	// RatePerSec paces sends across all broadcasts; 0 means 10.
	RatePerSec int
}

type Initiator struct {
	TenantID string
	UserID   string
}

type Request struct {
	// Tenant limits recipients to one tenant; empty means every tenant.
	Tenant    string
	Action    string
	Payload   transport.Payload
	Initiator Initiator
	// MenuJSON is stored with the broadcast metadata when non-empty.
	MenuJSON string
}

type Failure struct {
	TenantID string
	UserID   string
	Kind     string
	Reason   string
}

// Outcome is the aggregate result of one broadcast. It is not modified after
// Broadcast returns.
type Outcome struct {
	ID         string
	Action     string
	Initiator  Initiator
	Total      int
	Success    int
	Failures   []Failure
	StartedAt  time.Time
	FinishedAt time.Time
}

func (o Outcome) Failed() int { return len(o.Failures) }
