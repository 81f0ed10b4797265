package configtable

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/beamline-go/beamline/motion"
)

// Apply drives every column whose actuator is not at the nominal position
// of the command rows.  Columns are commanded left to right.  For a Serial
// table each column's motion completes before the next column starts;
// otherwise all are commanded at once and Apply returns without waiting.
//
// Failed writes are logged and the remaining columns are still commanded.
// Apply returns early only if ctx is done.
func (t *Table) Apply(ctx context.Context) error {
	atomic.AddInt32(&t.applying, 1)
	defer atomic.AddInt32(&t.applying, -1)
	t.mu.RLock()
	if len(t.commandRows) == 0 {
		t.mu.RUnlock()
		return nil
	}
	l := t.layoutLocked()
	nominal := t.nominalLocked(t.commandRows)
	t.mu.RUnlock()

	acts := t.actuators(l)
	for c, a := range acts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a == nil {
			continue
		}
		if matches(&l, c, nominal[c], read(&l, c, a)) {
			continue
		}
		if err := a.Set(nominal[c]); err != nil {
			log.Printf("configtable: %s: setting %s to %s failed: %v",
				t.prefix(), l.MotorNames[c], l.format(c, nominal[c]), err)
			continue
		}
		if l.Serial {
			if err := t.waitMotion(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// startApply runs fn in the background.  Applying is true from the moment
// startApply is called until fn returns.
func (t *Table) startApply(fn func()) {
	atomic.AddInt32(&t.applying, 1)
	go func() {
		defer atomic.AddInt32(&t.applying, -1)
		fn()
	}()
}

// ApplyRow selects row as the only command row and applies it
func (t *Table) ApplyRow(ctx context.Context, row int) error {
	if err := t.SetCommandRows([]int{row}); err != nil {
		return err
	}
	return t.Apply(ctx)
}

// waitMotion polls a until it stops moving
func (t *Table) waitMotion(ctx context.Context, a motion.Actuator) error {
	period := t.PollInterval
	if period <= 0 {
		period = DefaultPollInterval
	}
	return motion.WaitStill(ctx, a, period)
}

// Define stores the current positions of every actuator in row and stamps
// it with the current time
func (t *Table) Define(row int) error {
	current := t.CurrentPositions()
	now := time.Now().Format(TimeFormat)
	t.mu.Lock()
	if row < 0 || row >= len(t.rows) {
		t.mu.Unlock()
		return ErrNoSuchRow
	}
	if len(current) != len(t.rows[row].Values) {
		// the layout changed while reading; the readout is stale
		t.mu.Unlock()
		return ErrNoSuchColumn
	}
	entries := map[string]interface{}{}
	for c, v := range current {
		t.rows[row].Values[c] = v
		entries[t.cellKey(row, t.layout.Names[c])] = t.layout.format(c, v)
	}
	t.rows[row].Updated = now
	entries[t.cellKey(row, "updated")] = now
	t.mu.Unlock()
	return t.persist(entries)
}

// Stop halts every actuator in the table that can be stopped
func (t *Table) Stop() {
	l := t.Layout()
	for c, a := range t.actuators(l) {
		s, ok := a.(motion.Stopper)
		if !ok {
			continue
		}
		if err := s.Stop(); err != nil {
			log.Printf("configtable: %s: stopping %s failed: %v", t.prefix(), l.MotorNames[c], err)
		}
	}
}
