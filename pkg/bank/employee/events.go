package employee

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// Event is a persisted fact about one employee aggregate. Apply folds
// events into state; the set of event types is closed and versioned by
// name.
type Event interface {
	EventType() string
}

const (
	EventTypeInvited           = "employee.Invited"
	EventTypeInviteRefreshed   = "employee.InviteRefreshed"
	EventTypeInviteCancelled   = "employee.InviteCancelled"
	EventTypeInviteConfirmed   = "employee.InviteConfirmed"
	EventTypeCardIssued        = "employee.CardIssued"
	EventTypeCardLimitsUpdated = "employee.CardLimitsUpdated"
	EventTypeCardLocked        = "employee.CardLocked"
	EventTypeCardUnlocked      = "employee.CardUnlocked"
	EventTypePurchaseRequested = "employee.PurchaseRequested"
	EventTypePurchaseApproved  = "employee.PurchaseApproved"
	EventTypePurchaseDeclined  = "employee.PurchaseDeclined"
	EventTypeRoleChanged       = "employee.RoleChanged"
	EventTypeDeactivated       = "employee.Deactivated"
)

// Invited opens the aggregate. Token is the one-time secret mailed to the
// employee; it expires at ExpiresAt unless refreshed.
type Invited struct {
	EmployeeID string            `json:"employeeId"`
	OrgID      string            `json:"orgId"`
	AccountID  string            `json:"accountId"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Role       bank.EmployeeRole `json:"role"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	InvitedAt  time.Time         `json:"invitedAt"`
}

func (Invited) EventType() string { return EventTypeInvited }

type InviteRefreshed struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

func (InviteRefreshed) EventType() string { return EventTypeInviteRefreshed }

type InviteCancelled struct {
	CancelledAt time.Time `json:"cancelledAt"`
}

func (InviteCancelled) EventType() string { return EventTypeInviteCancelled }

// InviteConfirmed activates the employee. PasswordHash is a bcrypt hash;
// the raw password never reaches the journal.
type InviteConfirmed struct {
	PasswordHash string    `json:"passwordHash"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
}

func (InviteConfirmed) EventType() string { return EventTypeInviteConfirmed }

type CardIssued struct {
	Card     Card      `json:"card"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (CardIssued) EventType() string { return EventTypeCardIssued }

type CardLimitsUpdated struct {
	CardID       string              `json:"cardId"`
	DailyLimit   decimal.NullDecimal `json:"dailyLimit"`
	MonthlyLimit decimal.NullDecimal `json:"monthlyLimit"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func (CardLimitsUpdated) EventType() string { return EventTypeCardLimitsUpdated }

type CardLocked struct {
	CardID   string    `json:"cardId"`
	LockedAt time.Time `json:"lockedAt"`
}

func (CardLocked) EventType() string { return EventTypeCardLocked }

type CardUnlocked struct {
	CardID     string    `json:"cardId"`
	UnlockedAt time.Time `json:"unlockedAt"`
}

func (CardUnlocked) EventType() string { return EventTypeCardUnlocked }

type PurchaseRequested struct {
	Purchase Purchase `json:"purchase"`
}

func (PurchaseRequested) EventType() string { return EventTypePurchaseRequested }

// PurchaseApproved settles a purchase the account debited. Card spend
// accrual counts approved purchases only.
type PurchaseApproved struct {
	PurchaseID string          `json:"purchaseId"`
	CardID     string          `json:"cardId"`
	Amount     decimal.Decimal `json:"amount"`
	ApprovedAt time.Time       `json:"approvedAt"`
}

func (PurchaseApproved) EventType() string { return EventTypePurchaseApproved }

type PurchaseDeclined struct {
	PurchaseID string                `json:"purchaseId"`
	CardID     string                `json:"cardId"`
	Amount     decimal.Decimal       `json:"amount"`
	Reason     *bank.ValidationError `json:"reason"`
	DeclinedAt time.Time             `json:"declinedAt"`
}

func (PurchaseDeclined) EventType() string { return EventTypePurchaseDeclined }

type RoleChanged struct {
	Role      bank.EmployeeRole `json:"role"`
	ChangedAt time.Time         `json:"changedAt"`
}

func (RoleChanged) EventType() string { return EventTypeRoleChanged }

type Deactivated struct {
	Reason        string    `json:"reason,omitempty"`
	DeactivatedAt time.Time `json:"deactivatedAt"`
}

func (Deactivated) EventType() string { return EventTypeDeactivated }

var eventFactories = map[string]func() Event{
	EventTypeInvited:           func() Event { return &Invited{} },
	EventTypeInviteRefreshed:   func() Event { return &InviteRefreshed{} },
	EventTypeInviteCancelled:   func() Event { return &InviteCancelled{} },
	EventTypeInviteConfirmed:   func() Event { return &InviteConfirmed{} },
	EventTypeCardIssued:        func() Event { return &CardIssued{} },
	EventTypeCardLimitsUpdated: func() Event { return &CardLimitsUpdated{} },
	EventTypeCardLocked:        func() Event { return &CardLocked{} },
	EventTypeCardUnlocked:      func() Event { return &CardUnlocked{} },
	EventTypePurchaseRequested: func() Event { return &PurchaseRequested{} },
	EventTypePurchaseApproved:  func() Event { return &PurchaseApproved{} },
	EventTypePurchaseDeclined:  func() Event { return &PurchaseDeclined{} },
	EventTypeRoleChanged:       func() Event { return &RoleChanged{} },
	EventTypeDeactivated:       func() Event { return &Deactivated{} },
}

// DecodeEvent reconstructs the typed payload of a journal event.
func DecodeEvent(evt *eventsourcing.Event) (Event, error) {
	factory, ok := eventFactories[evt.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventsourcing.ErrUnknownEventType, evt.EventType)
	}
	payload := factory()
	if err := json.Unmarshal(evt.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", evt.EventType, err)
	}
	return payload, nil
}

// EncodeEvent renders a typed payload for the journal.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return data, nil
}
