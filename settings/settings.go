/*Package settings is a small persistent key-value store addressed by dotted
names, such as "rayonix_detector.ip_address" or "beamline.modes.line0.x".

A Store is backed by one YAML file.  Dotted names nest, so the file reads
naturally:

	rayonix_detector:
	  ip_address: 10.0.0.5
	  bin_factor: 2

Every Set writes the file back atomically.  Edits made to the file by other
programs are picked up by Reload, which compares a CRC-16 of the file bytes
to the last one seen and does nothing if the file is unchanged.
*/
package settings

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

const delim = "."

var crcTable = crc.NewTable(crc.XMODEM)

// checksum is the XMODEM CRC-16 of b
func checksum(b []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC16(c)
}

// Store is a koanf instance persisted to Path.  It is safe for concurrent use.
type Store struct {
	// Path is the YAML file backing the store
	Path string

	mu       sync.Mutex
	k        *koanf.Koanf
	defaults map[string]interface{}
	sum      uint16
	size     int
}

// Open creates a Store over path.  defaults, keyed by dotted name, are used
// for keys the file does not contain.  A missing file is not an error; it is
// created on the first Set.
func Open(path string, defaults map[string]interface{}) (*Store, error) {
	s := &Store{Path: path, defaults: defaults}
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading settings file %s", path)
	}
	if err := s.load(b); err != nil {
		return nil, err
	}
	return s, nil
}

// load replaces the contents of s with defaults overlaid by the YAML in b.
// s.mu must be held or s unshared.
func (s *Store) load(b []byte) error {
	k := koanf.New(delim)
	if len(s.defaults) > 0 {
		if err := k.Load(confmap.Provider(s.defaults, delim), nil); err != nil {
			return errors.Wrap(err, "loading settings defaults")
		}
	}
	if len(b) > 0 {
		if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return errors.Wrapf(err, "parsing settings file %s", s.Path)
		}
	}
	s.k = k
	s.sum = checksum(b)
	s.size = len(b)
	return nil
}

// Reload re-reads the file if its contents changed since they were last
// loaded or saved.  changed reports if anything was reloaded.
func (s *Store) Reload() (changed bool, err error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "reading settings file %s", s.Path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(b) == s.size && checksum(b) == s.sum {
		return false, nil
	}
	if err := s.load(b); err != nil {
		return false, err
	}
	return true, nil
}

// save writes the store to disk.  s.mu must be held.
func (s *Store) save() error {
	b, err := s.k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating settings directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*")
	if err != nil {
		return errors.Wrapf(err, "saving settings file %s", s.Path)
	}
	_, err = tmp.Write(b)
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.Path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "saving settings file %s", s.Path)
	}
	s.sum = checksum(b)
	s.size = len(b)
	return nil
}

// Save writes the store to disk
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Set stores one value and saves the file
func (s *Store) Set(key string, value interface{}) error {
	return s.SetMany(map[string]interface{}{key: value})
}

// SetMany stores several values and saves the file once
func (s *Store) SetMany(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		if err := s.k.Set(k, v); err != nil {
			return errors.Wrapf(err, "setting %s", k)
		}
	}
	return s.save()
}

// SetStruct stores every field of v, a struct with koanf tags, below
// prefix and saves the file once.  Unmarshal reads it back.
func (s *Store) SetStruct(prefix string, v interface{}) error {
	tmp := koanf.New(delim)
	if err := tmp.Load(structs.Provider(v, "koanf"), nil); err != nil {
		return errors.Wrapf(err, "flattening settings %s", prefix)
	}
	values := make(map[string]interface{})
	for k, val := range tmp.All() {
		if prefix != "" {
			k = prefix + delim + k
		}
		values[k] = val
	}
	return s.SetMany(values)
}

// Delete removes key and everything below it, then saves the file
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.k.Delete(key)
	return s.save()
}

// Exists is true if key holds a value or has children
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Exists(key)
}

// Get returns the raw value at key, or nil
func (s *Store) Get(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Get(key)
}

// String returns the value at key as a string, or ""
func (s *Store) String(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String(key)
}

// Float64 returns the value at key as a float, or 0
func (s *Store) Float64(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Float64(key)
}

// Int returns the value at key as an int, or 0
func (s *Store) Int(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Int(key)
}

// Bool returns the value at key as a bool, or false
func (s *Store) Bool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Bool(key)
}

// Strings returns the list at key, or nil
func (s *Store) Strings(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Strings(key)
}

// Float64s returns the numeric list at key, or nil
func (s *Store) Float64s(key string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Float64s(key)
}

// Ints returns the integer list at key, or nil
func (s *Store) Ints(key string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Ints(key)
}

// Keys returns every leaf key under prefix, sorted.  An empty prefix lists
// the whole store.
func (s *Store) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.k.Keys()
	if prefix == "" {
		return all
	}
	p := prefix + delim
	out := []string{}
	for _, k := range all {
		if k == prefix || strings.HasPrefix(k, p) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Unmarshal decodes the subtree at key into o, a pointer to a struct with
// koanf tags
func (s *Store) Unmarshal(key string, o interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.k.Unmarshal(key, o); err != nil {
		return errors.Wrapf(err, "decoding settings %s", key)
	}
	return nil
}

// Sub is a view of a Store with every key prefixed by Prefix and a dot
type Sub struct {
	Store  *Store
	Prefix string
}

// Key returns the full dotted key for name
func (s Sub) Key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + delim + name
}

// String returns the string at name below the prefix
func (s Sub) String(name string) string { return s.Store.String(s.Key(name)) }

// Float64 returns the number at name below the prefix
func (s Sub) Float64(name string) float64 { return s.Store.Float64(s.Key(name)) }

// Int returns the integer at name below the prefix
func (s Sub) Int(name string) int { return s.Store.Int(s.Key(name)) }

// Bool returns the bool at name below the prefix
func (s Sub) Bool(name string) bool { return s.Store.Bool(s.Key(name)) }

// Exists is true if name below the prefix is present
func (s Sub) Exists(name string) bool { return s.Store.Exists(s.Key(name)) }

// Set stores value at name below the prefix
func (s Sub) Set(name string, value interface{}) error { return s.Store.Set(s.Key(name), value) }
