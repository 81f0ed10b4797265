package configtable

import (
	"fmt"
	"log"
	"strings"

	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/settings"
	"github.com/pkg/errors"
)

// prefix is the dotted key of the table in the store
func (t *Table) prefix() string {
	if t.Domain == "" {
		return t.Name
	}
	return t.Domain + "." + t.Name
}

func (t *Table) key(name string) string {
	return t.prefix() + "." + name
}

func (t *Table) cellKey(row int, column string) string {
	return fmt.Sprintf("%s.line%d.%s", t.prefix(), row, column)
}

// persist writes values to the store, if the table has one
func (t *Table) persist(values map[string]interface{}) error {
	if t.store == nil {
		return nil
	}
	return t.store.SetMany(values)
}

// entries renders the whole table as store keys.  t.mu must be held.
func (t *Table) entries() map[string]interface{} {
	l := &t.layout
	out := map[string]interface{}{
		t.key("title"):               l.Title,
		t.key("nrows"):               len(t.rows),
		t.key("motor_names"):         l.MotorNames,
		t.key("names"):               l.Names,
		t.key("motor_labels"):        l.MotorLabels,
		t.key("formats"):             l.Formats,
		t.key("widths"):              l.Widths,
		t.key("tolerance"):           l.Tolerance,
		t.key("description_width"):   l.DescriptionWidth,
		t.key("row_height"):          l.RowHeight,
		t.key("show_apply_buttons"):  l.ShowApplyButtons,
		t.key("apply_button_label"):  l.ApplyButtonLabel,
		t.key("serial"):              l.Serial,
		t.key("vertical"):            l.Vertical,
		t.key("multiple_selections"): l.MultipleSelections,
		t.key("command_rows"):        t.commandRows,
	}
	for r, row := range t.rows {
		out[t.cellKey(r, "description")] = row.Description
		out[t.cellKey(r, "updated")] = row.Updated
		for c, v := range row.Values {
			out[t.cellKey(r, l.Names[c])] = l.format(c, v)
		}
	}
	return out
}

// Save writes the complete table to the store, replacing whatever was there
func (t *Table) Save() error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	entries := t.entries()
	t.mu.RUnlock()
	if t.store.Exists(t.prefix()) {
		if err := t.store.Delete(t.prefix()); err != nil {
			return err
		}
	}
	return t.store.SetMany(entries)
}

// forgetRows removes the stored cells of rows [from, to)
func (t *Table) forgetRows(from, to int) {
	if t.store == nil {
		return
	}
	for r := from; r < to; r++ {
		if err := t.store.Delete(t.key(fmt.Sprintf("line%d", r))); err != nil {
			log.Printf("configtable: %s: %v", t.prefix(), err)
		}
	}
}

// load reads the table from store.  The table must not be shared yet.
func (t *Table) load(store *settings.Store) error {
	var l Layout
	if err := store.Unmarshal(t.prefix(), &l); err != nil {
		return errors.Wrapf(err, "loading configuration table %s", t.prefix())
	}
	l.normalize()
	t.layout = l
	n := store.Int(t.key("nrows"))
	t.rows = nil
	t.resizeLocked(n)
	for r := 0; r < n; r++ {
		row := &t.rows[r]
		row.Description = store.String(t.cellKey(r, "description"))
		row.Updated = store.String(t.cellKey(r, "updated"))
		for c := range row.Values {
			text := store.String(t.cellKey(r, l.Names[c]))
			row.Values[c] = parseCell(&t.layout, c, text)
		}
	}
	t.commandRows = nil
	for _, r := range store.Ints(t.key("command_rows")) {
		if r >= 0 && r < n {
			t.commandRows = append(t.commandRows, r)
		}
	}
	return nil
}

// parseCell converts stored text to a value of column c's type
func parseCell(l *Layout, c int, text string) motion.Value {
	if l.isString(c) {
		return motion.String(text)
	}
	if strings.TrimSpace(text) == "" {
		return l.zero(c)
	}
	return l.coerce(c, motion.ParseValue(text))
}
