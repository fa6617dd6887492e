package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// JSONL mirrors each table to <dir>/<table>.jsonl, one record per line.
// Every write rewrites the file with the temp-file, fsync, rename pattern so
// a reader never sees a partial file.
type JSONL struct {
	mu  sync.Mutex
	dir string
}

// NewJSONL creates dir if needed.
func NewJSONL(dir string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror dir: %w", err)
	}
	return &JSONL{dir: dir}, nil
}

// record is the line format.
type record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (m *JSONL) Upsert(_ context.Context, table, recordID string, payload []byte) error {
	if !json.Valid(payload) {
		return types.ErrInvalidData
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(table)
	if err != nil {
		return err
	}
	line, err := json.Marshal(record{ID: recordID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	out := make([]json.RawMessage, 0, len(records)+1)
	replaced := false
	for _, r := range records {
		if recordIDOf(r) == recordID {
			if !replaced {
				out = append(out, line)
				replaced = true
			}
			continue
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, line)
	}
	return writeJSONL(m.path(table), out)
}

func (m *JSONL) Delete(_ context.Context, table, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(table)
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if recordIDOf(r) != recordID {
			out = append(out, r)
		}
	}
	if len(out) == len(records) {
		return nil
	}
	return writeJSONL(m.path(table), out)
}

func (m *JSONL) Close() error { return nil }

// Records returns the payloads stored for table keyed by record id.
func (m *JSONL) Records(table string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(records))
	for _, raw := range records {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out[r.ID] = r.Payload
	}
	return out, nil
}

func (m *JSONL) path(table string) string {
	return filepath.Join(m.dir, table+".jsonl")
}

func (m *JSONL) load(table string) ([]json.RawMessage, error) {
	records, err := readJSONL(m.path(table))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

func recordIDOf(raw json.RawMessage) string {
	var r struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return r.ID
}

// readJSONL returns each non-empty, parseable line. Malformed lines are
// skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically replaces path with records.
func writeJSONL(path string, records []json.RawMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", step, err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail("writing record", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail("writing newline", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail("flushing buffer", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
