package pipeline

import (
	"fmt"

	"github.com/foreman-hq/foreman/pkg/capability"
)

// Budget tracks web usage across one pipeline run. The caps come from the
// capability registry; every search and fetch must pass through it.
type Budget struct {
	QueriesUsed int
	FetchesUsed int
}

// NewBudget returns a fresh per-step budget.
func NewBudget() *Budget {
	return &Budget{}
}

// TakeQuery consumes one query slot; false when the cap is reached.
func (b *Budget) TakeQuery() bool {
	if b.QueriesUsed >= capability.MaxQueriesPerStep {
		return false
	}
	b.QueriesUsed++
	return true
}

// TakeFetch consumes one fetch slot; false when the cap is reached.
func (b *Budget) TakeFetch() bool {
	if b.FetchesUsed >= capability.MaxFetchesPerStep {
		return false
	}
	b.FetchesUsed++
	return true
}

// Exhausted reports whether no further web work is possible.
func (b *Budget) Exhausted() bool {
	return b.QueriesUsed >= capability.MaxQueriesPerStep && b.FetchesUsed >= capability.MaxFetchesPerStep
}

// Snapshot renders the budget for prompt injection and logs.
func (b *Budget) Snapshot() string {
	return fmt.Sprintf("queries used %d/%d, fetches used %d/%d",
		b.QueriesUsed, capability.MaxQueriesPerStep,
		b.FetchesUsed, capability.MaxFetchesPerStep)
}
