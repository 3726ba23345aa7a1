package account

import (
	"github.com/plaenen/bankengine/pkg/bank"
)

// ComputeAutoTransfers evaluates every rule configured for the given
// frequency against the current balance. Rules run in rule-id order over a
// running balance, so a sweep configured after a distribution only sees
// what the distribution left behind. The result is deterministic for a
// given state.
func ComputeAutoTransfers(s State, freq bank.AutoTransferFrequency) []bank.ComputedAutoTransfer {
	balance := s.Balance
	var out []bank.ComputedAutoTransfer
	for _, rule := range s.RulesForFrequency(freq) {
		for _, tr := range rule.Compute(balance) {
			out = append(out, tr)
			if tr.Direction == bank.AutoTransferOut {
				balance = balance.Sub(tr.Amount)
			} else {
				balance = balance.Add(tr.Amount)
			}
		}
	}
	return out
}
