package util_test

import (
	"testing"
	"time"

	"github.com/beamline-go/beamline/util"
	"github.com/google/go-cmp/cmp"
)

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	if !cmp.Equal(expected, output) {
		t.Errorf("expected %v got %v", expected, output)
	}
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestCSVToIntSliceRoundTrip(t *testing.T) {
	inp := []int{4, 4}
	out, err := util.CSVToIntSlice(util.IntSliceToCSV(inp))
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(inp, out) {
		t.Errorf("expected %v got %v", inp, out)
	}
}

func TestCSVToIntSliceBadInput(t *testing.T) {
	_, err := util.CSVToIntSlice("2,x")
	if err == nil {
		t.Error("expected error parsing non-integer field, got nil")
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f, got %f", input, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f, got %f", input, low, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestCommonDir(t *testing.T) {
	paths := []string{"/tmp/a/b/001.rx", "/tmp/a/c/002.rx", "/tmp/a/003.rx"}
	out := util.CommonDir(paths)
	if out != "/tmp/a" {
		t.Errorf("expected /tmp/a got %s", out)
	}
}

func TestCommonDirSiblingPrefix(t *testing.T) {
	paths := []string{"/data/ab/1.rx", "/data/abc/2.rx"}
	out := util.CommonDir(paths)
	if out != "/data" {
		t.Errorf("expected /data got %s", out)
	}
}
