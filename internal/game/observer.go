package game

import "github.com/roach88/ramlink/internal/delivery"

// Outcome is what classification did with an event.
type Outcome string

const (
	OutcomeQueued        Outcome = "queued"
	OutcomeSeen          Outcome = "seen"
	OutcomeReplayDropped Outcome = "replay_dropped"
	OutcomeUnknown       Outcome = "unknown"
	OutcomeNothing       Outcome = "nothing"
)

// Observer is notified of controller activity. Calls happen on the session
// goroutine and must not block.
type Observer interface {
	StateChanged(from, to State)
	Classified(e delivery.Event, o Outcome)
	Applied(e delivery.Event, ok bool)
	LocationChecked(id int64)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)          {}
func (NopObserver) Classified(delivery.Event, Outcome) {}
func (NopObserver) Applied(delivery.Event, bool)       {}
func (NopObserver) LocationChecked(int64)              {}

// Observers fans calls out to several observers in order.
type Observers []Observer

func (os Observers) StateChanged(from, to State) {
	for _, o := range os {
		o.StateChanged(from, to)
	}
}

func (os Observers) Classified(e delivery.Event, out Outcome) {
	for _, o := range os {
		o.Classified(e, out)
	}
}

func (os Observers) Applied(e delivery.Event, ok bool) {
	for _, o := range os {
		o.Applied(e, ok)
	}
}

func (os Observers) LocationChecked(id int64) {
	for _, o := range os {
		o.LocationChecked(id)
	}
}
