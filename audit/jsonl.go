package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	monthDirLayout = "2006-01"
	dayFileLayout  = "2006-01-02"
	dayFilePrefix  = "tl1_"
	dayFileExt     = ".jsonl"
)

// JSONL writes one JSON object per line into daily files grouped by month:
// <dir>/2006-01/tl1_2006-01-02.jsonl.
type JSONL struct {
	dir           string
	retentionDays int
	mu            sync.Mutex
	currentDate   string
	file          *os.File
	now           func() time.Time
}

// OpenJSONL prepares dir and prunes files past retention.
func OpenJSONL(dir string, retentionDays int) (*JSONL, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("audit: jsonl directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create %s: %w", dir, err)
	}
	s := &JSONL{dir: dir, retentionDays: retentionDays, now: time.Now}
	if err := cleanupDailyFiles(dir, time.Now().UTC(), retentionDays); err != nil {
		return nil, fmt.Errorf("audit: cleanup: %w", err)
	}
	return s, nil
}

// PathFor returns the file an event stamped at t is written to.
func (s *JSONL) PathFor(t time.Time) string {
	t = t.UTC()
	return filepath.Join(s.dir, t.Format(monthDirLayout), dayFilePrefix+t.Format(dayFileLayout)+dayFileExt)
}

// Purpose: Append one event as a JSON line.
// Key aspects: Rotates on UTC day change and prunes old files on rotation.
// Upstream: Async writer loop.
// Downstream: json.Marshal, os.File.Write.
func (s *JSONL) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = s.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	date := ev.Time.UTC().Format(dayFileLayout)
	if s.file == nil || s.currentDate != date {
		if err := s.rotateLocked(ev.Time); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

func (s *JSONL) rotateLocked(t time.Time) error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := s.PathFor(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("audit: create %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	s.file = file
	s.currentDate = t.UTC().Format(dayFileLayout)
	_ = cleanupDailyFiles(s.dir, t.UTC(), s.retentionDays)
	return nil
}

// Close closes the current file; later appends reopen it.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	return err
}

// Recent returns up to limit events, newest first.
func (s *JSONL) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	if s.file != nil {
		_ = s.file.Sync()
	}
	s.mu.Unlock()

	files, err := dailyFiles(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Event
	for i := len(files) - 1; i >= 0 && len(out) < limit; i-- {
		events, err := readEvents(files[i].path)
		if err != nil {
			return nil, err
		}
		for j := len(events) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, events[j])
		}
	}
	return out, nil
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip a torn trailing line rather than failing the whole read.
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

type dailyFile struct {
	path string
	date time.Time
}

// dailyFiles lists audit files oldest first.
func dailyFiles(dir string) ([]dailyFile, error) {
	months, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []dailyFile
	for _, month := range months {
		if !month.IsDir() {
			continue
		}
		if _, err := time.Parse(monthDirLayout, month.Name()); err != nil {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, month.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			date, ok := parseDailyFileDate(entry.Name())
			if entry.IsDir() || !ok {
				continue
			}
			out = append(out, dailyFile{path: filepath.Join(dir, month.Name(), entry.Name()), date: date})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })
	return out, nil
}

func parseDailyFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, dayFilePrefix) || filepath.Ext(name) != dayFileExt {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, dayFilePrefix), dayFileExt)
	parsed, err := time.ParseInLocation(dayFileLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func cleanupDailyFiles(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	files, err := dailyFiles(dir)
	if err != nil {
		return err
	}
	year, month, day := now.UTC().Date()
	cutoff := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, f := range files {
		if !f.date.Before(cutoff) {
			continue
		}
		_ = os.Remove(f.path)
		// Removing a non-empty month directory fails, which is what we want.
		_ = os.Remove(filepath.Dir(f.path))
	}
	return nil
}
