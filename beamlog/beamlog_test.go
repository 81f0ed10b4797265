package beamlog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func rec(i int, name string) Record {
	return Record{
		Time:           time.Date(2026, 5, 1, 10, 0, i, 0, time.Local),
		Filename:       name,
		X:              float64(i) / 1000,
		Y:              -float64(i) / 1000,
		XControl:       1.5,
		YControl:       4.25,
		ImageTimestamp: time.Date(2026, 5, 1, 10, 0, i, 500000000, time.UTC),
		XFWHM:          0.05,
		YFWHM:          0.04,
		SNR:            20,
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beam_position.log")
	l := New(path)
	l.Append(rec(1, "a.rx"))
	l.Append(rec(2, "b.rx"))
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 records, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "date time\tfilename\tx\ty\tx_control\ty_control\timage_timestamp") {
		t.Errorf("unexpected header %q", lines[0])
	}
}

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l := New(path)
	in := rec(3, "x_5pulses_001.rx")
	in.Overload = 4
	if err := l.Append(in); err != nil {
		t.Fatal(err)
	}
	out, err := l.Records(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 record got %d", len(out))
	}
	if !cmp.Equal(in, out[0]) {
		t.Errorf("record did not round trip: %s", cmp.Diff(in, out[0]))
	}
}

func TestHistoryLastNWithFilter(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "log.txt"))
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("img_1pulse_%03d.rx", i)
		if i%2 == 0 {
			name = fmt.Sprintf("img_5pulses_%03d.rx", i)
		}
		l.Append(rec(i, name))
	}
	got, err := l.History("filename", 3, "5pulses")
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"img_5pulses_004.rx", "img_5pulses_006.rx", "img_5pulses_008.rx"}
	if !cmp.Equal(expected, got) {
		t.Errorf("expected %v got %v", expected, got)
	}
	xs, err := l.HistoryFloat("x", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal([]float64{0.008, 0.009}, xs) {
		t.Errorf("expected [0.008 0.009] got %v", xs)
	}
}

func TestHistoryUnknownColumn(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "log.txt"))
	_, err := l.History("z", 1, "")
	if err == nil {
		t.Error("expected error for unknown column")
	}
}

func TestHistoryIsPrefixOverTime(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "log.txt"))
	for i := 0; i < 5; i++ {
		l.Append(rec(i, "a.rx"))
	}
	before, _ := l.History("x", 0, "")
	for i := 5; i < 8; i++ {
		l.Append(rec(i, "a.rx"))
	}
	after, _ := l.History("x", 0, "")
	if len(after) < len(before) || !cmp.Equal(before, after[:len(before)]) {
		t.Errorf("expected %v to be a prefix of %v", before, after)
	}
}

func TestPartialLastLineIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l := New(path)
	l.Append(rec(1, "a.rx"))
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	f.Write([]byte("2026-05-01 10:00:02.000000\tb.r"))
	f.Close()
	out, err := l.Records(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Filename != "a.rx" {
		t.Errorf("expected only the complete record, got %+v", out)
	}
}

func TestRecordsAcrossChunks(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "log.txt"))
	long := strings.Repeat("n", 200)
	for i := 0; i < 1000; i++ {
		l.Append(rec(i%60, fmt.Sprintf("%s_%04d.rx", long, i)))
	}
	out, err := l.Records(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1000 {
		t.Fatalf("expected 1000 records got %d", len(out))
	}
	for i, r := range out {
		if !strings.HasSuffix(r.Filename, fmt.Sprintf("_%04d.rx", i)) {
			t.Fatalf("record %d out of order: %s", i, r.Filename)
		}
	}
}

func TestParseCommaSeparatedLegacyLine(t *testing.T) {
	r, err := ParseRecord("2026-05-01 10:00:00.000000,a.rx,0.1,0.2,1,2,2026-05-01 10:00:00.000000")
	if err != nil {
		t.Fatal(err)
	}
	if r.X != 0.1 || r.YControl != 2 {
		t.Errorf("expected x 0.1 y_control 2 got %+v", r)
	}
	if !math.IsNaN(r.SNR) {
		t.Errorf("expected NaN SNR for a line without quality columns, got %f", r.SNR)
	}
}

func TestMissingFileHasNoRecords(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.txt"))
	out, err := l.Records(5, "")
	if err != nil || len(out) != 0 {
		t.Errorf("expected no records and no error, got %v %v", out, err)
	}
}
