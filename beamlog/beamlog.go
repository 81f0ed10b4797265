// Package beamlog keeps the beam position log: an append-only, tab
// separated text file with one record per analyzed image.  There is one
// writer, and any number of readers which take snapshots and tolerate a
// trailing partial line.
package beamlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeFormat is the layout of both timestamp columns
const TimeFormat = "2006-01-02 15:04:05.000000"

// Columns are the column names in file order
var Columns = []string{
	"date time", "filename", "x", "y", "x_control", "y_control",
	"image_timestamp", "x_fwhm", "y_fwhm", "snr", "overload"}

// the mandatory columns; the rest may be absent in older files
const minColumns = 7

var (
	// ErrNoSuchColumn is generated when History is asked for an unknown column
	ErrNoSuchColumn = errors.New("no such column in the beam position log")

	// ErrMalformed is generated for a record line with too few fields
	ErrMalformed = errors.New("malformed beam position log record")
)

// Record is one line of the log
type Record struct {
	Time           time.Time
	Filename       string
	X, Y           float64
	XControl       float64
	YControl       float64
	ImageTimestamp time.Time
	XFWHM, YFWHM   float64
	SNR            float64
	Overload       int
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// Fields renders the record as strings in column order
func (r Record) Fields() []string {
	return []string{
		r.Time.Format(TimeFormat),
		r.Filename,
		ftoa(r.X),
		ftoa(r.Y),
		ftoa(r.XControl),
		ftoa(r.YControl),
		r.ImageTimestamp.Format(TimeFormat),
		ftoa(r.XFWHM),
		ftoa(r.YFWHM),
		ftoa(r.SNR),
		strconv.Itoa(r.Overload),
	}
}

func splitLine(line string) []string {
	if strings.Contains(line, "\t") {
		return strings.Split(line, "\t")
	}
	return strings.Split(line, ",")
}

// ParseRecord parses one line of the log.  Tab and comma separated lines
// are accepted; the quality columns are optional.
func ParseRecord(line string) (Record, error) {
	f := splitLine(strings.TrimRight(line, "\r\n"))
	if len(f) < minColumns {
		return Record{}, ErrMalformed
	}
	r := Record{
		Filename: f[1],
		X:        atof(f[2]),
		Y:        atof(f[3]),
		XControl: atof(f[4]),
		YControl: atof(f[5]),
		XFWHM:    math.NaN(),
		YFWHM:    math.NaN(),
		SNR:      math.NaN(),
	}
	var err error
	r.Time, err = time.ParseInLocation(TimeFormat, f[0], time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.ImageTimestamp, _ = time.Parse(TimeFormat, f[6])
	if len(f) > 9 {
		r.XFWHM, r.YFWHM, r.SNR = atof(f[7]), atof(f[8]), atof(f[9])
	}
	if len(f) > 10 {
		r.Overload, _ = strconv.Atoi(strings.TrimSpace(f[10]))
	}
	return r, nil
}

// Logger owns one log file
type Logger struct {
	Path string
	mu   sync.Mutex
}

// New returns a logger writing to path
func New(path string) *Logger {
	return &Logger{Path: path}
}

// Append writes one record.  The header is written first when the file is
// new or empty.  Each call is a single O_APPEND write.
func (l *Logger) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.Path), 0777); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := &bytes.Buffer{}
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		buf.WriteString(strings.Join(Columns, "\t"))
		buf.WriteByte('\n')
	}
	buf.WriteString(strings.Join(r.Fields(), "\t"))
	buf.WriteByte('\n')
	_, err = f.Write(buf.Bytes())
	return err
}

// chunk is the size of the blocks read from the end of the file
const chunk = 64 * 1024

// Records returns the last n records whose filename contains filter, oldest
// first.  n <= 0 returns every matching record.  A trailing line without a
// newline is still being written and is ignored, as are malformed lines.
// A missing file has no records.
func (l *Logger) Records(n int, filter string) ([]Record, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var (
		out     []Record
		carry   []byte
		end     = st.Size()
		partial = true // the first line seen from the end may be incomplete
	)
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(buf, carry...)
		lines := bytes.Split(buf, []byte{'\n'})
		// the first element may continue in the previous chunk
		if start > 0 {
			carry = lines[0]
			lines = lines[1:]
		} else {
			carry = nil
		}
		for i := len(lines) - 1; i >= 0; i-- {
			line := lines[i]
			if partial {
				// text after the last newline is not a complete record
				partial = false
				continue
			}
			if r, ok := match(line, filter); ok {
				out = append(out, r)
				if n > 0 && len(out) == n {
					reverse(out)
					return out, nil
				}
			}
		}
		end = start
	}
	reverse(out)
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func match(line []byte, filter string) (Record, bool) {
	if len(line) == 0 {
		return Record{}, false
	}
	r, err := ParseRecord(string(line))
	if err != nil {
		return Record{}, false
	}
	if filter != "" && !strings.Contains(r.Filename, filter) {
		return Record{}, false
	}
	return r, true
}

func reverse(rs []Record) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}

func columnIndex(column string) int {
	for i, c := range Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// History returns the last n values of a column, oldest first, optionally
// restricted to records whose filename contains filter.  n <= 0 means all.
func (l *Logger) History(column string, n int, filter string) ([]string, error) {
	idx := columnIndex(column)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchColumn, column)
	}
	recs, err := l.Records(n, filter)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Fields()[idx]
	}
	return out, nil
}

// HistoryFloat is History for numeric columns; unparseable values are NaN
func (l *Logger) HistoryFloat(column string, n int, filter string) ([]float64, error) {
	s, err := l.History(column, n, filter)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = atof(v)
	}
	return out, nil
}
