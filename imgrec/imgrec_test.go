package imgrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNextIncrements(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "scan_", Ext: ".rx"}
	a, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Next()
	day := time.Now().Format("2006-01-02")
	if want := filepath.Join(root, day, "scan_000001.rx"); a != want {
		t.Errorf("expected %s got %s", want, a)
	}
	if want := filepath.Join(root, day, "scan_000002.rx"); b != want {
		t.Errorf("expected %s got %s", want, b)
	}
}

func TestNextSkipsExistingFiles(t *testing.T) {
	root := t.TempDir()
	day := time.Now().Format("2006-01-02")
	os.MkdirAll(filepath.Join(root, day), 0777)
	os.WriteFile(filepath.Join(root, day, "img000041.fits"), nil, 0666)
	os.WriteFile(filepath.Join(root, day, "other000099.fits"), nil, 0666)
	r := &Recorder{Root: root, Prefix: "img"}
	fn, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fn) != "img000042.fits" {
		t.Errorf("expected img000042.fits got %s", filepath.Base(fn))
	}
}

func TestWrite(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "w"}
	if _, err := r.Write([]byte("SIMPLE")); err != nil {
		t.Fatal(err)
	}
	day := time.Now().Format("2006-01-02")
	b, err := os.ReadFile(filepath.Join(root, day, "w000001.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "SIMPLE" {
		t.Errorf("expected SIMPLE got %q", b)
	}
}
