package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	s, err := Open(path, map[string]interface{}{
		"rayonix_detector.ip_address": "localhost",
		"rayonix_detector.bin_factor": 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.String("rayonix_detector.ip_address"); got != "localhost" {
		t.Errorf("expected localhost got %q", got)
	}
	if got := s.Int("rayonix_detector.bin_factor"); got != 2 {
		t.Errorf("expected 2 got %d", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("opening should not create the file")
	}
}

func TestSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.yml")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("beamline.modes.line0.x", "1.000"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("beamline.modes.motor_names", []string{"MirrorH", "PiezoV"}); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.String("beamline.modes.line0.x"); got != "1.000" {
		t.Errorf("expected 1.000 got %q", got)
	}
	want := []string{"MirrorH", "PiezoV"}
	if diff := cmp.Diff(want, s2.Strings("beamline.modes.motor_names")); diff != "" {
		t.Errorf("motor names mismatch (-want +got):\n%s", diff)
	}
	keys := s2.Keys("beamline.modes")
	if diff := cmp.Diff([]string{"beamline.modes.line0.x", "beamline.modes.motor_names"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	if err := os.WriteFile(path, []byte("stabilize:\n  x_gain: 0.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, map[string]interface{}{"stabilize.x_gain": 1.0, "stabilize.y_gain": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Float64("stabilize.x_gain"); got != 0.5 {
		t.Errorf("expected 0.5 got %v", got)
	}
	if got := s.Float64("stabilize.y_gain"); got != 2.0 {
		t.Errorf("expected 2 got %v", got)
	}
}

func TestReloadDetectsExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("a.b", 1); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("reload after our own save should report no change")
	}
	if err := os.WriteFile(path, []byte("a:\n  b: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, err = s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected reload to see the edited file")
	}
	if got := s.Int("a.b"); got != 7 {
		t.Errorf("expected 7 got %d", got)
	}
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	s, _ := Open(path, nil)
	s.SetMany(map[string]interface{}{"t.line0.x": "1", "t.line1.x": "2", "u.y": "3"})
	if err := s.Delete("t"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("t.line0.x") {
		t.Error("expected t.line0.x to be gone")
	}
	if !s.Exists("u.y") {
		t.Error("expected u.y to survive")
	}
}

func TestUnmarshal(t *testing.T) {
	type feedback struct {
		XGain    float64       `koanf:"x_gain"`
		XEnabled bool          `koanf:"x_enabled"`
		Period   time.Duration `koanf:"period"`
	}
	s, _ := Open(filepath.Join(t.TempDir(), "s.yml"), map[string]interface{}{
		"stabilize.x_gain":    0.25,
		"stabilize.x_enabled": true,
		"stabilize.period":    "2s",
	})
	var f feedback
	if err := s.Unmarshal("stabilize", &f); err != nil {
		t.Fatal(err)
	}
	if f.XGain != 0.25 || !f.XEnabled || f.Period != 2*time.Second {
		t.Errorf("expected {0.25 true 2s} got %+v", f)
	}
}

func TestSub(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.yml"), nil)
	sub := Sub{Store: s, Prefix: "rayonix_detector"}
	if err := sub.Set("nimages_to_keep", 10); err != nil {
		t.Fatal(err)
	}
	if got := s.Int("rayonix_detector.nimages_to_keep"); got != 10 {
		t.Errorf("expected 10 got %d", got)
	}
	if !sub.Exists("nimages_to_keep") {
		t.Error("expected key to exist through the view")
	}
}

func TestChecksumStable(t *testing.T) {
	a := checksum([]byte("123456789"))
	if a != 0x31C3 {
		t.Errorf("expected 0x31C3 got %#x", a)
	}
}
