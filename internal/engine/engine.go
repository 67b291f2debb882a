// Package engine defines the contract between showflakes and the test runner
// that actually executes tests.
//
// The runner is an external collaborator: showflakes never executes test
// bodies itself. It only hands the runner an ordered item list and listens
// to the three lifecycle events the runner reports back through Observer.
package engine

import "context"

// Outcome is the classification of one finished test.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Classify maps the raw signals reported for a test to exactly one Outcome.
// A skip signal takes precedence over a failure signal.
func Classify(skipped, failed bool) Outcome {
	switch {
	case skipped:
		return OutcomeSkipped
	case failed:
		return OutcomeFailed
	default:
		return OutcomePassed
	}
}

// Upstream run statuses returned by Engine.Run.
const (
	StatusOK          = 0
	StatusTestsFailed = 1
)

// Observer receives lifecycle events from a running Engine.
type Observer interface {
	// OnItemsCollected is called once, before execution, with the exact
	// ordered list of items about to run.
	OnItemsCollected(items []string)

	// OnTestFinished is called after each test completes.
	OnTestFinished(id string, outcome Outcome)

	// OnSessionEnd is called once after the whole item list has run.
	OnSessionEnd(status int)
}

// Engine collects and executes tests.
type Engine interface {
	// Collect returns every runnable test ID in discovery order.
	Collect(ctx context.Context) ([]string, error)

	// Run executes items in order and reports to obs. The returned status is
	// StatusOK or StatusTestsFailed; infrastructure problems are returned as
	// errors instead.
	Run(ctx context.Context, items []string, obs Observer) (int, error)
}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) OnItemsCollected(items []string) {
	for _, obs := range o {
		obs.OnItemsCollected(items)
	}
}

func (o Observers) OnTestFinished(id string, outcome Outcome) {
	for _, obs := range o {
		obs.OnTestFinished(id, outcome)
	}
}

func (o Observers) OnSessionEnd(status int) {
	for _, obs := range o {
		obs.OnSessionEnd(status)
	}
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnItemsCollected([]string)       {}
func (NopObserver) OnTestFinished(string, Outcome) {}
func (NopObserver) OnSessionEnd(int)               {}
