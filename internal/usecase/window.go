package usecase

import "github.com/vitos/crypto_trade_engine/internal/domain"

// Window is a fixed-capacity ring buffer of samples kept oldest first.
// Pushing into a full window evicts the oldest sample.
type Window struct {
	buf   []domain.Sample
	start int
	n     int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]domain.Sample, capacity)}
}

func (w *Window) Len() int { return w.n }

func (w *Window) Cap() int { return len(w.buf) }

// At returns the i-th sample, 0 being the oldest.
func (w *Window) At(i int) domain.Sample {
	return w.buf[(w.start+i)%len(w.buf)]
}

func (w *Window) Oldest() (domain.Sample, bool) {
	if w.n == 0 {
		return domain.Sample{}, false
	}
	return w.At(0), true
}

func (w *Window) Newest() (domain.Sample, bool) {
	if w.n == 0 {
		return domain.Sample{}, false
	}
	return w.At(w.n - 1), true
}

// Push appends s, returning the evicted sample when the window was full.
func (w *Window) Push(s domain.Sample) (domain.Sample, bool) {
	if w.n == len(w.buf) {
		evicted := w.buf[w.start]
		w.buf[w.start] = s
		w.start = (w.start + 1) % len(w.buf)
		return evicted, true
	}
	w.buf[(w.start+w.n)%len(w.buf)] = s
	w.n++
	return domain.Sample{}, false
}

func (w *Window) PopOldest() (domain.Sample, bool) {
	if w.n == 0 {
		return domain.Sample{}, false
	}
	s := w.buf[w.start]
	w.buf[w.start] = domain.Sample{}
	w.start = (w.start + 1) % len(w.buf)
	w.n--
	return s, true
}

// SetNewest overwrites the value of the newest sample.
func (w *Window) SetNewest(v float64) {
	if w.n == 0 {
		return
	}
	w.buf[(w.start+w.n-1)%len(w.buf)].Value = v
}

// Samples returns a copy of the window contents, oldest first.
func (w *Window) Samples() []domain.Sample {
	out := make([]domain.Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.At(i)
	}
	return out
}

func (w *Window) Reset() {
	for i := range w.buf {
		w.buf[i] = domain.Sample{}
	}
	w.start, w.n = 0, 0
}
