package chain

import "crop-ledger/internal/models"

type frameKey struct{}

// frame is the journal of one top-level call and everything nested in it.
type frame struct {
	host    *Host
	undo    []func()
	changes []models.Change
	events  []models.Event
}

type snapshot struct {
	undo    int
	changes int
	events  int
}

func (f *frame) snapshot() snapshot {
	return snapshot{undo: len(f.undo), changes: len(f.changes), events: len(f.events)}
}

func (f *frame) revert(s snapshot) {
	for i := len(f.undo) - 1; i >= s.undo; i-- {
		f.undo[i]()
	}
	f.undo = f.undo[:s.undo]
	f.changes = f.changes[:s.changes]
	f.events = f.events[:s.events]
}

func (f *frame) journal(undo func()) {
	f.undo = append(f.undo, undo)
}

func (f *frame) stage(change models.Change) {
	f.changes = append(f.changes, change)
}

func (f *frame) emit(ev models.Event) {
	f.events = append(f.events, ev)
}
