package usecase

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

var errStopReplay = errors.New("replay stopped")

// Tick is one recorded price observation.
type Tick struct {
	Time   time.Time
	Symbol string
	Price  float64
}

var tickTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// ParseTickLine parses "<ISO time> <symbol> <price>". The date and the
// time of day may also be separated by a space.
func ParseTickLine(line string) (Tick, error) {
	fields := strings.Fields(line)
	var ts, sym, price string
	switch len(fields) {
	case 3:
		ts, sym, price = fields[0], fields[1], fields[2]
	case 4:
		ts, sym, price = fields[0]+" "+fields[1], fields[2], fields[3]
	default:
		return Tick{}, fmt.Errorf("want 3 or 4 fields, got %d", len(fields))
	}

	at, err := parseTickTime(ts)
	if err != nil {
		return Tick{}, err
	}
	p, err := strconv.ParseFloat(price, 64)
	if err != nil || p <= 0 {
		return Tick{}, fmt.Errorf("invalid price %q", price)
	}
	return Tick{Time: at, Symbol: sym, Price: p}, nil
}

func parseTickTime(s string) (time.Time, error) {
	for _, layout := range tickTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// ReplayFeed reads recorded ticks from files matched by glob patterns,
// in lexical file order. Per symbol, a tick closer than pause to the last
// accepted one is skipped so replay density matches the live loop.
type ReplayFeed struct {
	files  []string
	pause  time.Duration
	logger *zap.Logger
	last   map[string]time.Time

	Skipped   int
	Malformed int
}

func NewReplayFeed(patterns []string, pause time.Duration, logger *zap.Logger) (*ReplayFeed, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no replay files match %v", patterns)
	}
	sort.Strings(files)
	return &ReplayFeed{
		files:  files,
		pause:  pause,
		logger: logger,
		last:   make(map[string]time.Time),
	}, nil
}

func (f *ReplayFeed) Files() []string {
	return append([]string(nil), f.files...)
}

// Each calls fn for every accepted tick. Returning an error from fn stops the replay.
func (f *ReplayFeed) Each(ctx context.Context, fn func(Tick) error) error {
	for _, path := range f.files {
		f.logger.Info("Replaying file", zap.String("file", path))
		if err := f.eachInFile(ctx, path, fn); err != nil {
			return err
		}
	}
	f.logger.Info("Replay finished",
		zap.Int("skipped", f.Skipped),
		zap.Int("malformed", f.Malformed))
	return nil
}

func (f *ReplayFeed) eachInFile(ctx context.Context, path string, fn func(Tick) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return f.eachInReader(ctx, r, fn)
}

func (f *ReplayFeed) eachInReader(ctx context.Context, r io.Reader, fn func(Tick) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := ParseTickLine(line)
		if err != nil {
			f.Malformed++
			f.logger.Debug("Skipping malformed line", zap.String("line", line), zap.Error(err))
			continue
		}
		if !f.accept(t) {
			f.Skipped++
			continue
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (f *ReplayFeed) accept(t Tick) bool {
	last, ok := f.last[t.Symbol]
	if ok && t.Time.Sub(last) < f.pause {
		return false
	}
	if ok && !t.Time.After(last) {
		return false
	}
	f.last[t.Symbol] = t.Time
	return true
}
