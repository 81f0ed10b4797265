package configtable

import (
	"log"
	"math"
	"strings"

	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/util"
)

// actuators resolves every column's actuator.  Columns which cannot be
// resolved are nil.
func (t *Table) actuators(l Layout) []motion.Actuator {
	out := make([]motion.Actuator, len(l.MotorNames))
	for c, name := range l.MotorNames {
		a, err := t.resolve(name)
		if err != nil {
			log.Printf("configtable: %s column %s: %v", t.prefix(), name, err)
			continue
		}
		out[c] = a
	}
	return out
}

// resolve looks up an actuator by name, through the arena if there is one
func (t *Table) resolve(name string) (motion.Actuator, error) {
	if t.arena == nil {
		return nil, motion.ErrNoSuchActuator
	}
	return t.arena.resolve(t.idx, name)
}

// read returns the current value of a, converted to column c's type.  A
// failed read is the column's unset value.
func read(l *Layout, c int, a motion.Actuator) motion.Value {
	if a == nil {
		return l.zero(c)
	}
	v, err := a.Get()
	if err != nil {
		return l.zero(c)
	}
	return l.coerce(c, v)
}

// CurrentPositions reads every column's actuator.  Failed reads are NaN for
// numeric columns and "" for string columns.
func (t *Table) CurrentPositions() []motion.Value {
	l := t.Layout()
	acts := t.actuators(l)
	out := make([]motion.Value, len(acts))
	for c, a := range acts {
		out[c] = read(&l, c, a)
	}
	return out
}

// matches reports if actual satisfies the nominal set-point of column c
func matches(l *Layout, c int, nominal, actual motion.Value) bool {
	if nominal.Numeric() {
		if math.IsNaN(nominal.Float) {
			return true
		}
		a := actual.Float64()
		if math.IsNaN(a) {
			return false
		}
		return math.Abs(nominal.Float-a) <= l.Tolerance[c]
	}
	want := nominal.String
	got := actual.Text()
	if l.MultipleSelections && strings.Contains(got, ",") {
		for _, s := range strings.Split(got, ",") {
			if strings.TrimSpace(s) == want {
				return true
			}
		}
		return false
	}
	return want == got
}

// rowMatches reports if every column of row matches current
func rowMatches(l *Layout, row Row, current []motion.Value) bool {
	for c := range row.Values {
		if !matches(l, c, row.Values[c], current[c]) {
			return false
		}
	}
	return true
}

// MatchingRows returns the rows the actuators are currently at, in
// ascending order
func (t *Table) MatchingRows() []int {
	return t.matchingRows(t.CurrentPositions())
}

func (t *Table) matchingRows(current []motion.Value) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []int{}
	for r, row := range t.rows {
		if len(current) == len(row.Values) && rowMatches(&t.layout, row, current) {
			out = append(out, r)
		}
	}
	return out
}

// distance is the RMS deviation of current from row.  Unset values on either
// side are ignored; a string mismatch is infinitely far.
func distance(l *Layout, row Row, current []motion.Value) float64 {
	var sum float64
	var n int
	for c, nom := range row.Values {
		if !nom.Numeric() {
			if !matches(l, c, nom, current[c]) {
				return math.Inf(1)
			}
			continue
		}
		act := current[c].Float64()
		if math.IsNaN(nom.Float) || math.IsNaN(act) {
			continue
		}
		d := nom.Float - act
		sum += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// ClosestRows returns the rows nearest the current positions.  Ties return
// every tied row.
func (t *Table) ClosestRows() []int {
	current := t.CurrentPositions()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []int{}
	if len(t.rows) == 0 || len(current) != len(t.layout.MotorNames) {
		return out
	}
	best := math.NaN()
	for r, row := range t.rows {
		d := distance(&t.layout, row, current)
		switch {
		case math.IsNaN(best) || d < best:
			best = d
			out = append(out[:0], r)
		case d == best:
			out = append(out, r)
		}
	}
	return out
}

// NominalPositions returns the set-points of the command rows: the mean of
// the selected values for numeric columns and the comma-joined distinct
// values for string columns.  With no command rows every column is unset.
func (t *Table) NominalPositions() []motion.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nominalLocked(t.commandRows)
}

func (t *Table) nominalLocked(rows []int) []motion.Value {
	l := &t.layout
	out := make([]motion.Value, len(l.MotorNames))
	for c := range out {
		if l.isString(c) {
			vals := make([]string, len(rows))
			for i, r := range rows {
				vals[i] = t.rows[r].Values[c].String
			}
			out[c] = motion.String(strings.Join(util.UniqueString(vals), ","))
			continue
		}
		var sum float64
		var n int
		for _, r := range rows {
			f := t.rows[r].Values[c].Float
			if !math.IsNaN(f) {
				sum += f
				n++
			}
		}
		if n == 0 {
			out[c] = motion.Float(math.NaN())
		} else {
			out[c] = motion.Float(sum / float64(n))
		}
	}
	return out
}
