package models

import (
	"strconv"
	"time"
)

type TicketState string

const (
	TicketQueued       TicketState = "QUEUED"
	TicketReady        TicketState = "READY"
	TicketUsed         TicketState = "USED"
	TicketOrderPending TicketState = "ORDER_PENDING"
	TicketOrdered      TicketState = "ORDERED"
	TicketExpired      TicketState = "EXPIRED"
)

// ticketTransitions lists the states each state may move to. ORDER_PENDING
// may fall back to USED when an order attempt is rolled back.
var ticketTransitions = map[TicketState][]TicketState{
	TicketQueued:       {TicketReady},
	TicketReady:        {TicketUsed, TicketExpired},
	TicketUsed:         {TicketOrderPending, TicketExpired},
	TicketOrderPending: {TicketOrdered, TicketUsed, TicketExpired},
}

func (s TicketState) CanTransitionTo(next TicketState) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ticket is one admission attempt by a user for an event.
type Ticket struct {
	ID        string      `json:"ticket_id"`
	UserID    string      `json:"user_id"`
	EventID   string      `json:"event_id"`
	State     TicketState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	GateToken string      `json:"gate_token,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	UsedAt    *time.Time  `json:"used_at,omitempty"`
	OrderID   string      `json:"order_id,omitempty"`
	Locked    bool        `json:"-"`
}

// Hash field names of a ticket in the coordination store.
const (
	FieldUserID    = "user_id"
	FieldEventID   = "event_id"
	FieldState     = "state"
	FieldCreatedAt = "created_at"
	FieldGateToken = "gate_token"
	FieldExpiresAt = "expires_at"
	FieldUsedAt    = "used_at"
	FieldLockedAt  = "locked_at"
	FieldOrderID   = "order_id"
)

// TicketFromHash rebuilds a ticket from its stored hash. An empty hash
// yields nil.
func TicketFromHash(id string, fields map[string]string) *Ticket {
	if len(fields) == 0 {
		return nil
	}

	t := &Ticket{
		ID:        id,
		UserID:    fields[FieldUserID],
		EventID:   fields[FieldEventID],
		State:     TicketState(fields[FieldState]),
		GateToken: fields[FieldGateToken],
		OrderID:   fields[FieldOrderID],
		Locked:    fields[FieldLockedAt] != "",
	}
	if ms, ok := parseMillis(fields[FieldCreatedAt]); ok {
		t.CreatedAt = time.UnixMilli(ms)
	}
	if ms, ok := parseMillis(fields[FieldExpiresAt]); ok {
		at := time.UnixMilli(ms)
		t.ExpiresAt = &at
	}
	if ms, ok := parseMillis(fields[FieldUsedAt]); ok {
		at := time.UnixMilli(ms)
		t.UsedAt = &at
	}
	return t
}

// ExpiredAt reports whether the ticket carries an expiry at or before now.
func (t *Ticket) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

func parseMillis(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// TicketStatus is what a waiting client polls for.
type TicketStatus struct {
	TicketID  string      `json:"ticket_id"`
	EventID   string      `json:"event_id"`
	State     TicketState `json:"state"`
	Position  int64       `json:"position,omitempty"`
	GateToken string      `json:"gate_token,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	OrderID   string      `json:"order_id,omitempty"`
}
