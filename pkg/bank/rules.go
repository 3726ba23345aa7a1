package bank

import (
	"github.com/shopspring/decimal"
)

// AutoTransferFrequency says when an auto-transfer rule is evaluated.
type AutoTransferFrequency string

const (
	// FrequencyPerTransaction evaluates after every balance-changing event.
	FrequencyPerTransaction AutoTransferFrequency = "PerTransaction"
	// FrequencyDaily evaluates once per day.
	FrequencyDaily AutoTransferFrequency = "Daily"
	// FrequencyTwiceMonthly evaluates on the 1st and 15th.
	FrequencyTwiceMonthly AutoTransferFrequency = "TwiceMonthly"
)

// AutoTransferRuleKind discriminates the auto-transfer rule variants.
type AutoTransferRuleKind string

const (
	// RuleZeroBalance sweeps the full balance to the target account.
	RuleZeroBalance AutoTransferRuleKind = "ZeroBalance"
	// RuleTargetBalance keeps the balance pinned to a target amount,
	// sweeping excess to the managing partner and restoring shortfall
	// from it.
	RuleTargetBalance AutoTransferRuleKind = "TargetBalance"
	// RulePercentDistribution distributes fixed percentages of the
	// balance to a set of destination accounts.
	RulePercentDistribution AutoTransferRuleKind = "PercentDistribution"
)

// AutoTransferDirection is the direction of a computed transfer relative to
// the account the rule is configured on.
type AutoTransferDirection string

const (
	AutoTransferOut AutoTransferDirection = "Out"
	AutoTransferIn  AutoTransferDirection = "In"
)

// PercentAllocation is one destination of a percent-distribution rule.
type PercentAllocation struct {
	Recipient Party           `json:"recipient"`
	Percent   decimal.Decimal `json:"percent"`
}

// AutoTransferRule is a standing instruction that moves money automatically.
// Target is the sweep destination for zero-balance rules and the managing
// partner account for target-balance rules.
type AutoTransferRule struct {
	ID            string                `json:"id"`
	Kind          AutoTransferRuleKind  `json:"kind"`
	Frequency     AutoTransferFrequency `json:"frequency"`
	Target        Party                 `json:"target"`
	TargetBalance decimal.Decimal       `json:"targetBalance"`
	Allocations   []PercentAllocation   `json:"allocations,omitempty"`
}

// Validate checks rule shape. It returns a *ValidationError on bad input.
func (r AutoTransferRule) Validate() error {
	switch r.Frequency {
	case FrequencyPerTransaction, FrequencyDaily, FrequencyTwiceMonthly:
	default:
		return NewValidationFailure("frequency", "unknown frequency "+string(r.Frequency))
	}
	switch r.Kind {
	case RuleZeroBalance:
		if r.Target.AccountID == "" {
			return NewValidationFailure("target", "zero-balance rule requires a target account")
		}
	case RuleTargetBalance:
		if r.Target.AccountID == "" {
			return NewValidationFailure("target", "target-balance rule requires a partner account")
		}
		if !r.TargetBalance.IsPositive() {
			return NewValidationFailure("targetBalance", "target balance must be positive")
		}
	case RulePercentDistribution:
		if len(r.Allocations) == 0 {
			return NewValidationFailure("allocations", "distribution rule requires at least one allocation")
		}
		total := decimal.Zero
		for _, alloc := range r.Allocations {
			if alloc.Recipient.AccountID == "" {
				return NewValidationFailure("allocations", "allocation recipient account is required")
			}
			if !alloc.Percent.IsPositive() {
				return NewValidationFailure("allocations", "allocation percent must be positive")
			}
			total = total.Add(alloc.Percent)
		}
		if total.GreaterThan(decimal.NewFromInt(100)) {
			return NewValidationFailure("allocations", "allocation percents exceed 100")
		}
	default:
		return NewValidationFailure("kind", "unknown rule kind "+string(r.Kind))
	}
	return nil
}

// ComputedAutoTransfer is one transfer derived from evaluating a rule
// against the current balance. Counterparty is the destination for outgoing
// transfers and the source partner for incoming ones.
type ComputedAutoTransfer struct {
	RuleID       string
	Direction    AutoTransferDirection
	Amount       decimal.Decimal
	Counterparty Party
}

var oneHundred = decimal.NewFromInt(100)

// Compute evaluates the rule against a balance. The result is deterministic
// and ordered: allocations produce transfers in declaration order. Amounts
// are rounded down to cents so distributions never exceed the balance.
func (r AutoTransferRule) Compute(balance decimal.Decimal) []ComputedAutoTransfer {
	switch r.Kind {
	case RuleZeroBalance:
		if !balance.IsPositive() {
			return nil
		}
		return []ComputedAutoTransfer{{
			RuleID:       r.ID,
			Direction:    AutoTransferOut,
			Amount:       balance,
			Counterparty: r.Target,
		}}
	case RuleTargetBalance:
		diff := balance.Sub(r.TargetBalance)
		switch {
		case diff.IsPositive():
			return []ComputedAutoTransfer{{
				RuleID:       r.ID,
				Direction:    AutoTransferOut,
				Amount:       diff,
				Counterparty: r.Target,
			}}
		case diff.IsNegative():
			return []ComputedAutoTransfer{{
				RuleID:       r.ID,
				Direction:    AutoTransferIn,
				Amount:       diff.Neg(),
				Counterparty: r.Target,
			}}
		}
		return nil
	case RulePercentDistribution:
		if !balance.IsPositive() {
			return nil
		}
		out := make([]ComputedAutoTransfer, 0, len(r.Allocations))
		for _, alloc := range r.Allocations {
			amount := balance.Mul(alloc.Percent).Div(oneHundred).RoundDown(2)
			if !amount.IsPositive() {
				continue
			}
			out = append(out, ComputedAutoTransfer{
				RuleID:       r.ID,
				Direction:    AutoTransferOut,
				Amount:       amount,
				Counterparty: alloc.Recipient,
			})
		}
		return out
	}
	return nil
}
