// Package artifact publishes qualifying transfers as timestamped CSV files.
// Files are staged under a temporary name and renamed into place, so readers never see partial content.
package artifact

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xdc-intel/transferscan/internal/domain"
)

const (
	fileTimeLayout = "20060102_150405"
	rowTimeLayout  = "2006-01-02 15:04:05"
	ext            = ".csv"
	tmpExt         = ".tmp"
)

// Writer writes artifacts to dir as <prefix>_<UTC timestamp>.csv.
type Writer struct {
	dir    string
	prefix string
	unit   string

	beforePublish func(tmpPath string) error
}

// Option configures a Writer.
type Option func(*Writer)

// WithBeforePublish runs fn after the staged file is complete and before it is renamed.
// An error aborts the publish and removes the staged file.
func WithBeforePublish(fn func(tmpPath string) error) Option {
	return func(w *Writer) {
		w.beforePublish = fn
	}
}

// NewWriter creates a writer. unit names the native value column, e.g. "xdc" gives value_xdc.
func NewWriter(dir, prefix, unit string, opts ...Option) *Writer {
	w := &Writer{dir: dir, prefix: prefix, unit: strings.ToLower(unit)}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Header returns the CSV header row.
func (w *Writer) Header() []string {
	return []string{"tx_hash", "from", "to", "value_" + w.unit, "value_usd", "token_symbol", "block_number", "timestamp"}
}

// Write publishes records in order and returns the final path.
// Nothing is written for an empty slice and the returned path is empty.
func (w *Writer) Write(runAt time.Time, records []domain.TransferRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output dir")
	}

	final, err := w.finalPath(runAt)
	if err != nil {
		return "", err
	}
	tmp := final + tmpExt

	if err := w.stage(tmp, records); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if w.beforePublish != nil {
		if err := w.beforePublish(tmp); err != nil {
			os.Remove(tmp)
			return "", errors.Wrap(err, "publish artifact")
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "publish artifact")
	}

	if err := syncDir(w.dir); err != nil {
		return "", err
	}

	return final, nil
}

// finalPath picks the first free name for runAt, adding _N on collision.
func (w *Writer) finalPath(runAt time.Time) (string, error) {
	base := fmt.Sprintf("%s_%s", w.prefix, runAt.UTC().Format(fileTimeLayout))

	for n := 0; ; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(w.dir, name)

		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "stat artifact")
		}
	}
}

func (w *Writer) stage(tmp string, records []domain.TransferRecord) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create staged artifact")
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(w.Header()); err != nil {
		f.Close()
		return errors.Wrap(err, "write artifact header")
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			f.Close()
			return errors.Wrapf(err, "write artifact row %s", r.TxHash.Hex())
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush artifact")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync staged artifact")
	}

	return errors.Wrap(f.Close(), "close staged artifact")
}

func row(r domain.TransferRecord) []string {
	return []string{
		r.TxHash.Hex(),
		r.From.Hex(),
		r.To.Hex(),
		r.Amount.String(),
		r.USDValue.StringFixed(2),
		r.TokenSymbol,
		strconv.FormatUint(r.BlockNumber, 10),
		r.Timestamp.UTC().Format(rowTimeLayout),
	}
}

// Latest returns the newest published artifact for prefix in dir.
// Staged files and names that do not follow the artifact pattern are ignored.
func Latest(dir, prefix string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "read output dir")
	}

	type candidate struct {
		name string
		at   time.Time
		seq  int
	}

	var found []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, seq, ok := parseName(e.Name(), prefix)
		if !ok {
			continue
		}
		found = append(found, candidate{name: e.Name(), at: at, seq: seq})
	}

	if len(found) == 0 {
		return "", false, nil
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.After(found[j].at)
		}
		return found[i].seq > found[j].seq
	})

	return filepath.Join(dir, found[0].name), true, nil
}

func parseName(name, prefix string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return time.Time{}, 0, false
	}
	rest, ok = strings.CutSuffix(rest, ext)
	if !ok || len(rest) < len(fileTimeLayout) {
		return time.Time{}, 0, false
	}

	at, err := time.Parse(fileTimeLayout, rest[:len(fileTimeLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}

	suffix := rest[len(fileTimeLayout):]
	if suffix == "" {
		return at, 0, true
	}

	seq, err := strconv.Atoi(strings.TrimPrefix(suffix, "_"))
	if err != nil || !strings.HasPrefix(suffix, "_") || seq <= 0 {
		return time.Time{}, 0, false
	}

	return at, seq, true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open output dir")
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return errors.Wrap(err, "sync output dir")
	}

	return nil
}
