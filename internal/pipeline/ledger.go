package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// handledLedger remembers recordings whose transcript was consumed and whose
// audio was deleted. A recording downloaded again under the same name is
// then recognized and not transcribed a second time.
type handledLedger struct {
	path  string
	names map[string]bool
}

type ledgerFile struct {
	Recordings []string `json:"recordings"`
}

// loadLedger reads the ledger at path. A missing file yields an empty ledger.
func loadLedger(path string) (*handledLedger, error) {
	l := &handledLedger{path: path, names: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read handled recordings: %w", err)
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse handled recordings: %w", err)
	}
	for _, name := range f.Recordings {
		l.names[name] = true
	}
	return l, nil
}

func (l *handledLedger) Has(name string) bool {
	return l.names[name]
}

// Add records names and rewrites the ledger file.
func (l *handledLedger) Add(names ...string) error {
	changed := false
	for _, name := range names {
		if !l.names[name] {
			l.names[name] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	f := ledgerFile{Recordings: make([]string, 0, len(l.names))}
	for name := range l.names {
		f.Recordings = append(f.Recordings, name)
	}
	sort.Strings(f.Recordings)
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal handled recordings: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("failed to write handled recordings: %w", err)
	}
	return nil
}
