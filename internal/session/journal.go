package session

import (
	"context"
	"log/slog"

	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/store"
)

// journal records controller activity in the store. Write failures are
// logged and the session continues.
type journal struct {
	store   *store.Store
	session string
	clock   *Clock
}

func newJournal(st *store.Store, session string) *journal {
	return &journal{store: st, session: session, clock: NewClockAt(0)}
}

func (j *journal) write(e store.Entry) {
	e.Session = j.session
	e.Seq = j.clock.Next()
	if err := j.store.WriteEntry(context.Background(), e); err != nil {
		slog.Warn("journal write failed", "session", j.session, "seq", e.Seq, "error", err)
	}
}

func (j *journal) StateChanged(_, to game.State) {
	j.write(store.Entry{Event: store.EventState, Outcome: to.String()})
}

func (j *journal) Classified(e delivery.Event, o game.Outcome) {
	j.write(store.Entry{
		Event:    store.EventClassified,
		Index:    e.Index,
		Item:     e.Item,
		Location: e.Location,
		Category: categoryName(e),
		Outcome:  string(o),
	})
}

func (j *journal) Applied(e delivery.Event, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	j.write(store.Entry{
		Event:    store.EventApplied,
		Index:    e.Index,
		Item:     e.Item,
		Location: e.Location,
		Category: categoryName(e),
		Outcome:  outcome,
	})
}

func (j *journal) LocationChecked(id int64) {
	j.write(store.Entry{Event: store.EventChecked, Location: id})
}

// categoryName is empty for events dropped before categorization.
func categoryName(e delivery.Event) string {
	if e.Kind == 0 && e.Category == 0 {
		return ""
	}
	return e.Category.String()
}
