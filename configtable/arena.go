package configtable

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/settings"
)

// TablePrefix namespaces the tables of an arena in its motion registry, so
// a table never shadows an actuator of the same name
const TablePrefix = "table:"

// Arena owns a set of tables.  Tables refer to each other only by name;
// links are resolved to arena indices each time they are used.
type Arena struct {
	// Registry resolves column names which are not tables
	Registry *motion.Registry

	// Store persists the tables.  nil keeps them in memory only.
	Store *settings.Store

	mu    sync.RWMutex
	nodes []*Table
	index map[string]int
}

// NewArena returns an empty arena
func NewArena(reg *motion.Registry, store *settings.Store) *Arena {
	return &Arena{Registry: reg, Store: store, index: make(map[string]int)}
}

// insert adds or replaces the node named t.Name
func (a *Arena) insert(t *Table) {
	a.mu.Lock()
	if i, ok := a.index[t.Name]; ok {
		t.idx = i
		a.nodes[i] = t
	} else {
		t.idx = len(a.nodes)
		a.index[t.Name] = t.idx
		a.nodes = append(a.nodes, t)
	}
	a.mu.Unlock()
	if a.Registry != nil {
		a.Registry.Register(TablePrefix+t.Name, a.actuator(t.idx))
	}
}

// Add creates a table with nrows empty rows, replacing any table with the
// same name, and saves it
func (a *Arena) Add(domain, name string, l Layout, nrows int) (*Table, error) {
	t := &Table{Domain: domain, Name: name, arena: a, store: a.Store}
	l.MotorNames = append([]string(nil), l.MotorNames...)
	l.normalize()
	t.layout = l
	t.resizeLocked(nrows)
	a.insert(t)
	return t, t.Save()
}

// Load reads a table from the store and adds it to the arena
func (a *Arena) Load(domain, name string) (*Table, error) {
	if a.Store == nil {
		return nil, fmt.Errorf("%w: %s (no store)", ErrNoSuchTable, name)
	}
	t := &Table{Domain: domain, Name: name, arena: a, store: a.Store}
	if !a.Store.Exists(t.key("nrows")) && !a.Store.Exists(t.key("motor_names")) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, t.prefix())
	}
	if err := t.load(a.Store); err != nil {
		return nil, err
	}
	a.insert(t)
	return t, nil
}

// LoadDomain loads every table stored under domain
func (a *Arena) LoadDomain(domain string) error {
	if a.Store == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, k := range a.Store.Keys(domain) {
		rest := strings.TrimPrefix(k, domain+".")
		name := strings.SplitN(rest, ".", 2)[0]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, err := a.Load(domain, name); err != nil {
			log.Printf("configtable: %v", err)
		}
	}
	return nil
}

// Table returns the table with a given name
func (a *Arena) Table(name string) (*Table, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	return a.nodes[i], nil
}

// Names returns the table names, sorted
func (a *Arena) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.index))
	for k := range a.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// node returns the table at index i
func (a *Arena) node(i int) *Table {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i < 0 || i >= len(a.nodes) {
		return nil
	}
	return a.nodes[i]
}

// lookup returns the index of the table named name
func (a *Arena) lookup(name string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[name]
	return i, ok
}

// reaches is true if following links from node i leads to node target
func (a *Arena) reaches(i, target int, seen map[int]bool) bool {
	if i == target {
		return true
	}
	if seen[i] {
		return false
	}
	seen[i] = true
	t := a.node(i)
	if t == nil {
		return false
	}
	for _, name := range t.Layout().MotorNames {
		tableOnly := strings.HasPrefix(name, TablePrefix)
		j, ok := a.lookup(strings.TrimPrefix(name, TablePrefix))
		if !ok || (j == i && !tableOnly) {
			continue
		}
		if a.reaches(j, target, seen) {
			return true
		}
	}
	return false
}

// resolve returns the actuator for a column named name of node from.  Other
// tables of the arena take precedence over the registry; a column named like
// its own table is a registry actuator.  "table:<name>" names a table only.
func (a *Arena) resolve(from int, name string) (motion.Actuator, error) {
	tableOnly := strings.HasPrefix(name, TablePrefix)
	tname := strings.TrimPrefix(name, TablePrefix)
	if j, ok := a.lookup(tname); ok && (j != from || tableOnly) {
		if a.reaches(j, from, map[int]bool{}) {
			return nil, fmt.Errorf("%w: %s", ErrCycle, tname)
		}
		return a.actuator(j), nil
	}
	if tableOnly {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, tname)
	}
	if a.Registry == nil {
		return nil, fmt.Errorf("%w: %s", motion.ErrNoSuchActuator, name)
	}
	return a.Registry.Lookup(name)
}

// actuator returns node i viewed as an actuator
func (a *Arena) actuator(i int) *TableActuator {
	return &TableActuator{arena: a, idx: i}
}

// TableActuator presents a table as an actuator.  Its value is the
// description of the matching row (comma-joined if several match); setting
// it applies the row with that description.
type TableActuator struct {
	arena *Arena
	idx   int
}

func (ta *TableActuator) table() (*Table, error) {
	t := ta.arena.node(ta.idx)
	if t == nil {
		return nil, ErrNoSuchTable
	}
	return t, nil
}

// Get returns the descriptions of the matching rows
func (ta *TableActuator) Get() (motion.Value, error) {
	t, err := ta.table()
	if err != nil {
		return motion.Value{}, err
	}
	rows := t.MatchingRows()
	descrs := make([]string, 0, len(rows))
	for _, r := range rows {
		d, _ := t.Description(r)
		descrs = append(descrs, d)
	}
	return motion.String(strings.Join(descrs, ",")), nil
}

// Set selects the rows whose descriptions are listed in v and applies
// them.  The apply runs in the background; Moving is true until it ends.
func (ta *TableActuator) Set(v motion.Value) error {
	t, err := ta.table()
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for _, s := range strings.Split(v.Text(), ",") {
		if s = strings.TrimSpace(s); s != "" {
			want[s] = true
		}
	}
	rows := []int{}
	for r, row := range t.Rows() {
		if want[row.Description] {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: no row of %s described %q", ErrNoSuchRow, t.Name, v.Text())
	}
	if err := t.SetCommandRows(rows); err != nil {
		return err
	}
	t.startApply(func() {
		if err := t.Apply(context.Background()); err != nil {
			log.Printf("configtable: applying %s: %v", t.Name, err)
		}
	})
	return nil
}

// CommandValue returns the descriptions of the command rows
func (ta *TableActuator) CommandValue() (motion.Value, error) {
	t, err := ta.table()
	if err != nil {
		return motion.Value{}, err
	}
	rows := t.CommandRows()
	descrs := make([]string, 0, len(rows))
	for _, r := range rows {
		d, _ := t.Description(r)
		descrs = append(descrs, d)
	}
	return motion.String(strings.Join(descrs, ",")), nil
}

// Moving is true while the table is applying, or while any actuator of the
// table is moving
func (ta *TableActuator) Moving() (bool, error) {
	t, err := ta.table()
	if err != nil {
		return false, err
	}
	if t.Applying() {
		return true, nil
	}
	for _, a := range t.actuators(t.Layout()) {
		if a != nil && motion.Moving(a) {
			return true, nil
		}
	}
	return false, nil
}

// Stop stops every actuator of the table
func (ta *TableActuator) Stop() error {
	t, err := ta.table()
	if err != nil {
		return err
	}
	t.Stop()
	return nil
}

// Description is the table title
func (ta *TableActuator) Description() string {
	t, err := ta.table()
	if err != nil {
		return ""
	}
	if l := t.Layout(); l.Title != "" {
		return l.Title
	}
	return t.Name
}
