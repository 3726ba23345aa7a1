package employee

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Apply folds one event into state and returns the next state. Pure and
// total, like the account fold: unknown events leave state untouched and
// the receiver is never mutated.
func Apply(s State, evt Event) State {
	c := s.clone()
	switch e := evt.(type) {
	case *Invited:
		return applyInvited(e)
	case *InviteRefreshed:
		c.InviteToken = e.Token
		c.InviteExpiresAt = e.ExpiresAt
	case *InviteCancelled:
		c.Status = bank.EmployeeDeactivated
		c.InviteToken = ""
		c.InviteExpiresAt = time.Time{}
	case *InviteConfirmed:
		c.Status = bank.EmployeeActive
		c.PasswordHash = e.PasswordHash
		c.InviteToken = ""
		c.InviteExpiresAt = time.Time{}

	case *CardIssued:
		c.putCard(e.Card)
	case *CardLimitsUpdated:
		if card, ok := c.Cards[e.CardID]; ok {
			card.DailyLimit = e.DailyLimit
			card.MonthlyLimit = e.MonthlyLimit
			c.putCard(card)
		}
	case *CardLocked:
		if card, ok := c.Cards[e.CardID]; ok {
			card.Status = bank.CardLocked
			c.putCard(card)
		}
	case *CardUnlocked:
		if card, ok := c.Cards[e.CardID]; ok {
			card.Status = bank.CardActive
			c.putCard(card)
		}

	case *PurchaseRequested:
		if c.PendingPurchases == nil {
			c.PendingPurchases = make(map[string]Purchase)
		}
		c.PendingPurchases[e.Purchase.PurchaseID] = e.Purchase
	case *PurchaseApproved:
		c.settlePurchase(e.PurchaseID, e.ApprovedAt)
		c.accrueSpend(e.CardID, e.Amount, e.ApprovedAt)
	case *PurchaseDeclined:
		c.settlePurchase(e.PurchaseID, e.DeclinedAt)

	case *RoleChanged:
		c.Role = e.Role
	case *Deactivated:
		c.Status = bank.EmployeeDeactivated
	}
	return c
}

func applyInvited(e *Invited) State {
	return State{
		EmployeeID:      e.EmployeeID,
		OrgID:           e.OrgID,
		AccountID:       e.AccountID,
		Name:            e.Name,
		Email:           e.Email,
		Role:            e.Role,
		Status:          bank.EmployeePendingInvite,
		InvitedAt:       e.InvitedAt,
		InviteToken:     e.Token,
		InviteExpiresAt: e.ExpiresAt,
	}
}

func (s *State) putCard(card Card) {
	if s.Cards == nil {
		s.Cards = make(map[string]Card)
	}
	s.Cards[card.ID] = card
}

// settlePurchase moves a purchase out of the pending set and remembers its
// id for duplicate suppression.
func (s *State) settlePurchase(purchaseID string, at time.Time) {
	delete(s.PendingPurchases, purchaseID)
	if s.ProcessedPurchases == nil {
		s.ProcessedPurchases = make(map[string]time.Time)
	}
	s.ProcessedPurchases[purchaseID] = at
	pruneBefore(s.ProcessedPurchases, at.Add(-dedupeRetention))
}

// accrueSpend adds an approved purchase to the card's spend windows,
// resetting a window when the day or month rolled over.
func (s *State) accrueSpend(cardID string, amount decimal.Decimal, at time.Time) {
	card, ok := s.Cards[cardID]
	if !ok {
		return
	}
	day := at.UTC().Format(dayLayout)
	if card.LastSpendDay == day {
		card.DailySpendAccrued = card.DailySpendAccrued.Add(amount)
	} else {
		card.LastSpendDay = day
		card.DailySpendAccrued = amount
	}
	month := at.UTC().Format(monthLayout)
	if card.LastSpendMonth == month {
		card.MonthlySpendAccrued = card.MonthlySpendAccrued.Add(amount)
	} else {
		card.LastSpendMonth = month
		card.MonthlySpendAccrued = amount
	}
	s.putCard(card)
}

func pruneBefore(m map[string]time.Time, cutoff time.Time) {
	for id, at := range m {
		if at.Before(cutoff) {
			delete(m, id)
		}
	}
}
