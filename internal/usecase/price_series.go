package usecase

import (
	"time"

	"github.com/vitos/crypto_trade_engine/internal/domain"
)

const (
	KeepSeconds = 60
	KeepMinutes = 60
	KeepHours   = 24
	MaxDays     = 1000
)

// level describes how a granularity is consolidated from its feeder.
type level struct {
	g      domain.Granularity
	prev   domain.Granularity
	period time.Duration
}

var (
	minuteLevel = level{domain.Minute, domain.Second, time.Minute}
	hourLevel   = level{domain.Hour, domain.Minute, time.Hour}
	dayLevel    = level{domain.Day, domain.Hour, 24 * time.Hour}
)

// triplet holds the parallel lowest/average/highest windows of one level.
type triplet struct {
	low, avg, high *Window
}

func newTriplet(capacity int) *triplet {
	return &triplet{low: NewWindow(capacity), avg: NewWindow(capacity), high: NewWindow(capacity)}
}

func (t *triplet) push(at time.Time, low, avg, high float64) {
	t.low.Push(domain.Sample{Time: at, Value: low})
	t.avg.Push(domain.Sample{Time: at, Value: avg})
	t.high.Push(domain.Sample{Time: at, Value: high})
}

func (t *triplet) popOldest() {
	t.low.PopOldest()
	t.avg.PopOldest()
	t.high.PopOldest()
}

// PriceSeries downsamples a coin's tick stream into rolling
// second/minute/hour/day windows.
//
// Buckets are rolling, not wall-clock aligned: a new bucket is produced when
// the newest bucket of a level is at least one period old, or, while the
// level is still empty, when the oldest bucket of the feeder level is.
// A level only advances on a tick where its feeder advanced.
type PriceSeries struct {
	seconds *Window
	levels  map[domain.Granularity]*triplet
	keep    map[domain.Granularity]int
}

// NewPriceSeries creates empty windows; dayCap bounds the day window (<= MaxDays).
func NewPriceSeries(dayCap int) *PriceSeries {
	if dayCap <= 0 || dayCap > MaxDays {
		dayCap = MaxDays
	}
	// one slot of headroom holds the sample being consolidated before trimming
	return &PriceSeries{
		seconds: NewWindow(KeepSeconds + 1),
		levels: map[domain.Granularity]*triplet{
			domain.Minute: newTriplet(KeepMinutes + 1),
			domain.Hour:   newTriplet(KeepHours + 1),
			domain.Day:    newTriplet(dayCap),
		},
		keep: map[domain.Granularity]int{
			domain.Second: KeepSeconds,
			domain.Minute: KeepMinutes,
			domain.Hour:   KeepHours,
			domain.Day:    dayCap,
		},
	}
}

// Update ingests one price sample.
// A repeated sample for the newest second timestamp overwrites its value;
// samples older than the newest one are ignored.
func (s *PriceSeries) Update(at time.Time, price float64) {
	if newest, ok := s.seconds.Newest(); ok {
		if at.Before(newest.Time) {
			return
		}
		if at.Equal(newest.Time) {
			s.seconds.SetNewest(price)
			return
		}
	}

	s.seconds.Push(domain.Sample{Time: at, Value: price})

	if s.consolidate(at, minuteLevel) {
		if s.consolidate(at, hourLevel) {
			s.consolidate(at, dayLevel)
		}
	}

	s.trim(at)
	s.enforceBounds()
}

func (s *PriceSeries) averages(g domain.Granularity) *Window {
	if g == domain.Second {
		return s.seconds
	}
	return s.levels[g].avg
}

func (s *PriceSeries) isNewSlot(at time.Time, l level) bool {
	if newest, ok := s.averages(l.g).Newest(); ok {
		return at.Sub(newest.Time) >= l.period
	}
	oldest, ok := s.averages(l.prev).Oldest()
	return ok && at.Sub(oldest.Time) >= l.period
}

func (s *PriceSeries) consolidate(at time.Time, l level) bool {
	if !s.isNewSlot(at, l) {
		return false
	}

	var lows, avgs, highs *Window
	if l.prev == domain.Second {
		lows, avgs, highs = s.seconds, s.seconds, s.seconds
	} else {
		feeder := s.levels[l.prev]
		lows, avgs, highs = feeder.low, feeder.avg, feeder.high
	}
	if avgs.Len() == 0 {
		return false
	}

	low, high := lows.At(0).Value, highs.At(0).Value
	for i := 1; i < lows.Len(); i++ {
		if v := lows.At(i).Value; v < low {
			low = v
		}
	}
	for i := 1; i < highs.Len(); i++ {
		if v := highs.At(i).Value; v > high {
			high = v
		}
	}
	sum := 0.0
	for i := 0; i < avgs.Len(); i++ {
		sum += avgs.At(i).Value
	}

	s.levels[l.g].push(at, low, sum/float64(avgs.Len()), high)
	return true
}

// trim drops expired samples, strictly nested: a coarser level is only
// considered when the finer one dropped a sample on this tick.
func (s *PriceSeries) trim(at time.Time) {
	if oldest, ok := s.seconds.Oldest(); !ok || at.Sub(oldest.Time) < time.Minute {
		return
	}
	s.seconds.PopOldest()

	minutes := s.levels[domain.Minute]
	if oldest, ok := minutes.avg.Oldest(); !ok || at.Sub(oldest.Time) < time.Hour {
		return
	}
	minutes.popOldest()

	hours := s.levels[domain.Hour]
	if oldest, ok := hours.avg.Oldest(); !ok || at.Sub(oldest.Time) < 24*time.Hour {
		return
	}
	hours.popOldest()
}

func (s *PriceSeries) enforceBounds() {
	for s.seconds.Len() > KeepSeconds {
		s.seconds.PopOldest()
	}
	for _, g := range []domain.Granularity{domain.Minute, domain.Hour} {
		t := s.levels[g]
		for t.avg.Len() > s.keep[g] {
			t.popOldest()
		}
	}
}

// Seed pre-populates a level. Only the newest samples that fit are kept.
// Missing lows or highs default to the averages.
func (s *PriceSeries) Seed(g domain.Granularity, lows, avgs, highs []domain.Sample) {
	if g == domain.Second {
		s.seconds.Reset()
		for _, v := range tail(avgs, KeepSeconds) {
			s.seconds.Push(v)
		}
		return
	}
	t, ok := s.levels[g]
	if !ok {
		return
	}
	if len(lows) != len(avgs) {
		lows = avgs
	}
	if len(highs) != len(avgs) {
		highs = avgs
	}
	t.low.Reset()
	t.avg.Reset()
	t.high.Reset()
	n := s.keep[g]
	lows, avgs, highs = tail(lows, n), tail(avgs, n), tail(highs, n)
	for i := range avgs {
		t.push(avgs[i].Time, lows[i].Value, avgs[i].Value, highs[i].Value)
	}
}

func tail(in []domain.Sample, n int) []domain.Sample {
	if len(in) > n {
		return in[len(in)-n:]
	}
	return in
}

func (s *PriceSeries) Len(g domain.Granularity) int {
	return s.averages(g).Len()
}

// Averages returns a copy of the average window at g, oldest first.
func (s *PriceSeries) Averages(g domain.Granularity) []domain.Sample {
	return s.averages(g).Samples()
}

// Lowest is nil at second granularity.
func (s *PriceSeries) Lowest(g domain.Granularity) []domain.Sample {
	if t, ok := s.levels[g]; ok {
		return t.low.Samples()
	}
	return nil
}

// Highest is nil at second granularity.
func (s *PriceSeries) Highest(g domain.Granularity) []domain.Sample {
	if t, ok := s.levels[g]; ok {
		return t.high.Samples()
	}
	return nil
}

// LatestAverage returns the newest average at g, if any.
func (s *PriceSeries) LatestAverage(g domain.Granularity) (domain.Sample, bool) {
	return s.averages(g).Newest()
}

// Export copies every window into a serialisable snapshot.
func (s *PriceSeries) Export() domain.SeriesSnapshot {
	snap := domain.SeriesSnapshot{
		Lowest:   map[domain.Granularity][]domain.Sample{},
		Averages: map[domain.Granularity][]domain.Sample{domain.Second: s.seconds.Samples()},
		Highest:  map[domain.Granularity][]domain.Sample{},
	}
	for g, t := range s.levels {
		snap.Lowest[g] = t.low.Samples()
		snap.Averages[g] = t.avg.Samples()
		snap.Highest[g] = t.high.Samples()
	}
	return snap
}

// Restore replaces every window with the snapshot contents.
func (s *PriceSeries) Restore(snap domain.SeriesSnapshot) {
	s.Seed(domain.Second, nil, snap.Averages[domain.Second], nil)
	for _, g := range []domain.Granularity{domain.Minute, domain.Hour, domain.Day} {
		s.Seed(g, snap.Lowest[g], snap.Averages[g], snap.Highest[g])
	}
}
