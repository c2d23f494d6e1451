package config

import (
	"fmt"
	"os"
	"time"
)

// Watcher re-reads the config file when its modification time changes.
type Watcher struct {
	path    string
	every   time.Duration
	modTime time.Time
	checked time.Time
}

func NewWatcher(path string, every time.Duration) (*Watcher, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return &Watcher{path: path, every: every, modTime: st.ModTime()}, nil
}

// Poll returns a freshly parsed config when the file changed since the last load.
// It checks the file at most once per interval.
func (w *Watcher) Poll(now time.Time) (*Config, bool, error) {
	if w.every <= 0 || now.Sub(w.checked) < w.every {
		return nil, false, nil
	}
	w.checked = now

	st, err := os.Stat(w.path)
	if err != nil {
		return nil, false, fmt.Errorf("stat config: %w", err)
	}
	if !st.ModTime().After(w.modTime) {
		return nil, false, nil
	}
	cfg, err := Load(w.path)
	if err != nil {
		return nil, false, err
	}
	w.modTime = st.ModTime()
	return cfg, true, nil
}
