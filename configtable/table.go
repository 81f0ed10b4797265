/*Package configtable implements configuration tables: named sets of
multi-actuator set-points ("modes") such as detector positions, mirror
settings, or aperture sizes.

A Table has one column per actuator and one row per saved configuration.
The live readout of the actuators is compared to every row to find which
configuration the beamline is in (MatchingRows), and the rows chosen as
command rows can be applied, writing their values to the actuators.

A column whose actuator name is the name of another table in the same Arena
is a linked configuration: its value is the description of the linked
table's matching row, and writing it applies that row.
*/
package configtable

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/settings"
)

const (
	// TimeFormat is the layout of the row timestamps
	TimeFormat = "2006-01-02 15:04:05"

	// DefaultFormat is used for numeric columns with no format
	DefaultFormat = "%.3f"

	// DefaultWidth is the display width of columns with no width
	DefaultWidth = 70

	// DefaultTolerance is used for columns with no tolerance
	DefaultTolerance = 0.001

	// DefaultPollInterval is how often a serial apply checks for motion
	// complete
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrNoSuchRow is generated when a row index is out of range
	ErrNoSuchRow = errors.New("row index out of range")

	// ErrNoSuchColumn is generated when a column index is out of range
	ErrNoSuchColumn = errors.New("column index out of range")

	// ErrNoSuchTable is generated when a table name is not in the arena
	ErrNoSuchTable = errors.New("no configuration table with that name")

	// ErrCycle is generated when linked tables refer back to themselves
	ErrCycle = errors.New("linked configuration tables form a cycle")
)

// Layout is the column and display configuration of a table.  Every
// per-column slice has one entry per MotorNames entry once normalized.
type Layout struct {
	Title              string    `koanf:"title" json:"title"`
	MotorNames         []string  `koanf:"motor_names" json:"motorNames"`
	Names              []string  `koanf:"names" json:"names"`
	MotorLabels        []string  `koanf:"motor_labels" json:"motorLabels"`
	Formats            []string  `koanf:"formats" json:"formats"`
	Widths             []int     `koanf:"widths" json:"widths"`
	Tolerance          []float64 `koanf:"tolerance" json:"tolerance"`
	DescriptionWidth   int       `koanf:"description_width" json:"descriptionWidth"`
	RowHeight          int       `koanf:"row_height" json:"rowHeight"`
	ShowApplyButtons   bool      `koanf:"show_apply_buttons" json:"showApplyButtons"`
	ApplyButtonLabel   string    `koanf:"apply_button_label" json:"applyButtonLabel"`
	Serial             bool      `koanf:"serial" json:"serial"`
	Vertical           bool      `koanf:"vertical" json:"vertical"`
	MultipleSelections bool      `koanf:"multiple_selections" json:"multipleSelections"`
}

// normalize pads or truncates the per-column slices to the number of motor
// names, filling gaps with defaults
func (l *Layout) normalize() {
	n := len(l.MotorNames)
	names := make([]string, n)
	labels := make([]string, n)
	formats := make([]string, n)
	widths := make([]int, n)
	tols := make([]float64, n)
	for c := 0; c < n; c++ {
		names[c] = l.MotorNames[c]
		if c < len(l.Names) && l.Names[c] != "" {
			names[c] = l.Names[c]
		}
		labels[c] = names[c]
		if c < len(l.MotorLabels) && l.MotorLabels[c] != "" {
			labels[c] = l.MotorLabels[c]
		}
		formats[c] = DefaultFormat
		if c < len(l.Formats) && l.Formats[c] != "" {
			formats[c] = l.Formats[c]
		}
		widths[c] = DefaultWidth
		if c < len(l.Widths) && l.Widths[c] > 0 {
			widths[c] = l.Widths[c]
		}
		tols[c] = DefaultTolerance
		if c < len(l.Tolerance) && !math.IsNaN(l.Tolerance[c]) {
			tols[c] = l.Tolerance[c]
		}
	}
	l.Names, l.MotorLabels, l.Formats, l.Widths, l.Tolerance = names, labels, formats, widths, tols
	if l.ApplyButtonLabel == "" {
		l.ApplyButtonLabel = "Go To"
	}
}

// isString is true if column c holds text rather than numbers
func (l *Layout) isString(c int) bool {
	f := strings.TrimSpace(l.Formats[c])
	return strings.HasSuffix(f, "s") || strings.HasSuffix(f, "q")
}

// zero is the unset value of column c: NaN or ""
func (l *Layout) zero(c int) motion.Value {
	if l.isString(c) {
		return motion.String("")
	}
	return motion.Float(math.NaN())
}

// coerce converts v to the type of column c
func (l *Layout) coerce(c int, v motion.Value) motion.Value {
	if l.isString(c) {
		if v.Numeric() {
			if math.IsNaN(v.Float) {
				return motion.String("")
			}
			return motion.String(l.format(c, v))
		}
		return v
	}
	if v.Numeric() {
		return v
	}
	if strings.TrimSpace(v.String) == "" {
		return motion.Float(math.NaN())
	}
	return motion.Float(v.Float64())
}

// format renders v as text for column c.  Unset numbers render as "".
func (l *Layout) format(c int, v motion.Value) string {
	if v.Numeric() && math.IsNaN(v.Float) {
		return ""
	}
	if l.isString(c) {
		return v.Text()
	}
	return v.Format(l.Formats[c])
}

// Row is one saved configuration
type Row struct {
	Description string
	Updated     string
	Values      []motion.Value
}

// Table is one configuration table.  It is safe for concurrent use.  Tables
// are created by an Arena.
type Table struct {
	// Domain and Name address the table, e.g. "beamline" and "detector_mode"
	Domain, Name string

	// PollInterval is the motion-complete polling period of a serial apply
	PollInterval time.Duration

	mu          sync.RWMutex
	layout      Layout
	rows        []Row
	commandRows []int
	applying    int32

	arena *Arena
	idx   int
	store *settings.Store
}

// Layout returns a copy of the table layout
func (t *Table) Layout() Layout {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.layoutLocked()
}

func (t *Table) layoutLocked() Layout {
	l := t.layout
	l.MotorNames = append([]string(nil), l.MotorNames...)
	l.Names = append([]string(nil), l.Names...)
	l.MotorLabels = append([]string(nil), l.MotorLabels...)
	l.Formats = append([]string(nil), l.Formats...)
	l.Widths = append([]int(nil), l.Widths...)
	l.Tolerance = append([]float64(nil), l.Tolerance...)
	return l
}

// SetLayout replaces the layout.  Rows keep their values for columns that
// still exist by index; new columns start unset.
func (t *Table) SetLayout(l Layout) error {
	t.mu.Lock()
	l.MotorNames = append([]string(nil), l.MotorNames...)
	l.normalize()
	t.layout = l
	t.resizeLocked(len(t.rows))
	t.mu.Unlock()
	return t.Save()
}

// resizeLocked makes the table hold n rows of the current width.
// t.mu must be held.
func (t *Table) resizeLocked(n int) {
	if n < 0 {
		n = 0
	}
	ncols := len(t.layout.MotorNames)
	rows := make([]Row, n)
	for r := 0; r < n; r++ {
		var old Row
		if r < len(t.rows) {
			old = t.rows[r]
		}
		vals := make([]motion.Value, ncols)
		for c := range vals {
			if c < len(old.Values) {
				vals[c] = t.layout.coerce(c, old.Values[c])
			} else {
				vals[c] = t.layout.zero(c)
			}
		}
		rows[r] = Row{Description: old.Description, Updated: old.Updated, Values: vals}
	}
	t.rows = rows
	cmd := t.commandRows[:0]
	for _, r := range t.commandRows {
		if r >= 0 && r < n {
			cmd = append(cmd, r)
		}
	}
	t.commandRows = cmd
}

// NRows returns the number of rows
func (t *Table) NRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// SetNRows truncates or pads the table to n rows
func (t *Table) SetNRows(n int) error {
	t.mu.Lock()
	old := len(t.rows)
	t.resizeLocked(n)
	t.mu.Unlock()
	if n < old {
		t.forgetRows(n, old)
	}
	return t.Save()
}

// NColumns returns the number of columns
func (t *Table) NColumns() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.layout.MotorNames)
}

// Rows returns a copy of every row
func (t *Table) Rows() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = Row{Description: r.Description, Updated: r.Updated, Values: append([]motion.Value(nil), r.Values...)}
	}
	return out
}

func (t *Table) check(col, row int) error {
	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("%w: %d", ErrNoSuchRow, row)
	}
	if col < 0 || col >= len(t.layout.MotorNames) {
		return fmt.Errorf("%w: %d", ErrNoSuchColumn, col)
	}
	return nil
}

// Position returns the set-point of column col in row row
func (t *Table) Position(col, row int) (motion.Value, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.check(col, row); err != nil {
		return motion.Value{}, err
	}
	return t.rows[row].Values[col], nil
}

// SetPosition changes one set-point.  The value is converted to the column's
// type.
func (t *Table) SetPosition(col, row int, v motion.Value) error {
	t.mu.Lock()
	if err := t.check(col, row); err != nil {
		t.mu.Unlock()
		return err
	}
	v = t.layout.coerce(col, v)
	t.rows[row].Values[col] = v
	key, text := t.cellKey(row, t.layout.Names[col]), t.layout.format(col, v)
	t.mu.Unlock()
	return t.persist(map[string]interface{}{key: text})
}

// Description returns the description of row
func (t *Table) Description(row int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if row < 0 || row >= len(t.rows) {
		return "", fmt.Errorf("%w: %d", ErrNoSuchRow, row)
	}
	return t.rows[row].Description, nil
}

// SetDescription changes the description of row
func (t *Table) SetDescription(row int, descr string) error {
	t.mu.Lock()
	if row < 0 || row >= len(t.rows) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchRow, row)
	}
	t.rows[row].Description = descr
	key := t.cellKey(row, "description")
	t.mu.Unlock()
	return t.persist(map[string]interface{}{key: descr})
}

// Updated returns the timestamp of the last change to row
func (t *Table) Updated(row int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if row < 0 || row >= len(t.rows) {
		return "", fmt.Errorf("%w: %d", ErrNoSuchRow, row)
	}
	return t.rows[row].Updated, nil
}

// SetUpdated changes the timestamp of row
func (t *Table) SetUpdated(row int, ts string) error {
	t.mu.Lock()
	if row < 0 || row >= len(t.rows) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchRow, row)
	}
	t.rows[row].Updated = ts
	key := t.cellKey(row, "updated")
	t.mu.Unlock()
	return t.persist(map[string]interface{}{key: ts})
}

// CommandRows returns the rows that Apply writes
func (t *Table) CommandRows() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]int(nil), t.commandRows...)
}

// SetCommandRows selects the rows that Apply writes.  Without
// MultipleSelections only the last row given is kept.
func (t *Table) SetCommandRows(rows []int) error {
	t.mu.Lock()
	sel := []int{}
	for _, r := range rows {
		if r < 0 || r >= len(t.rows) {
			t.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrNoSuchRow, r)
		}
		sel = append(sel, r)
	}
	if !t.layout.MultipleSelections && len(sel) > 1 {
		sel = sel[len(sel)-1:]
	}
	t.commandRows = sel
	key := t.key("command_rows")
	t.mu.Unlock()
	return t.persist(map[string]interface{}{key: sel})
}

// Applying is true while an Apply is in progress
func (t *Table) Applying() bool {
	return atomic.LoadInt32(&t.applying) > 0
}
