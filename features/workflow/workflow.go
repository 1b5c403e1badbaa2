package workflow

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the authoritative lifecycle tag of a workflow entity. Transitions
// happen only through the explicit table below, applied with compare-and-swap
// on the persisted state.
type State string

const (
	StateNew           State = "NEW"
	StateActive        State = "ACTIVE"
	StateAwaitingReply State = "AWAITING_REPLY"
	StateSilent        State = "SILENT"
	StateReadyToClose  State = "READY_TO_CLOSE"
	StateClosedWon     State = "CLOSED_WON"
	StateClosedLost    State = "CLOSED_LOST"
	StateFailed        State = "FAILED"
)

// Terminal states are retained for audit and never transition again.
func (s State) Terminal() bool {
	return s == StateClosedWon || s == StateClosedLost || s == StateFailed
}

// Entity kinds tracked through the pipelines.
const (
	KindNegotiationThread = "negotiation_thread"
	KindDealDraft         = "deal_draft"
	KindContractReview    = "contract_review"
	KindSignatureRequest  = "signature_request"
	KindDeliverable       = "deliverable"
	KindInvoice           = "invoice"
)

// Transition triggers.
const (
	TriggerJob     = "job"
	TriggerScanner = "scanner"
	TriggerManual  = "manual"
)

// Event directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

var (
	ErrNotFound = errors.New("workflow: entity not found")
	// ErrPreconditionFailed means a racing transition won the CAS slot. This
	// is expected under concurrent delivery and is treated as a no-op, not an
	// error.
	ErrPreconditionFailed = errors.New("workflow: entity state changed concurrently")
	ErrInvalidTransition  = errors.New("workflow: transition not in table")
)

type Entity struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	State              State      `json:"state"`
	BrandName          string     `json:"brand_name"`
	BrandEmail         string     `json:"brand_email"`
	LastBrandMessageAt *time.Time `json:"last_brand_message_at,omitempty"`
	LastAgentMessageAt *time.Time `json:"last_agent_message_at,omitempty"`
	StalledSince       *time.Time `json:"stalled_since,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	FinalRate          *float64   `json:"final_rate,omitempty"`
	FailReason         string     `json:"fail_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Event is one append-only entry in an entity's history. Immutable once
// appended; the "last offer" is the most recent event with a non-nil amount.
type Event struct {
	ID         string          `json:"id"`
	EntityID   string          `json:"entity_id"`
	Direction  string          `json:"direction"`
	Amount     *float64        `json:"amount,omitempty"`
	Body       string          `json:"body"`
	Confidence *float64        `json:"confidence,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	DedupeKey  string          `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transition is one recorded state change.
type Transition struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// transitions is the full table. No implicit transitions exist: a (from, to)
// pair absent here is rejected before any write.
var transitions = map[State][]State{
	StateNew:           {StateActive, StateSilent, StateFailed},
	StateActive:        {StateAwaitingReply, StateSilent, StateClosedWon, StateClosedLost, StateFailed},
	StateAwaitingReply: {StateActive, StateSilent, StateClosedWon, StateClosedLost, StateFailed},
	StateSilent:        {StateActive, StateReadyToClose, StateClosedLost, StateFailed},
	StateReadyToClose:  {StateActive, StateSilent, StateClosedWon, StateClosedLost, StateFailed},
	StateClosedWon:     {},
	StateClosedLost:    {},
	StateFailed:        {},
}

// Allowed reports whether from -> to exists in the transition table.
func Allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
