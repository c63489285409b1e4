package detection

import (
	"math"
	"time"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// Window is a bounded, chronologically ordered history of one sensor's
// readings with running mean and variance (Welford). It is not safe for
// concurrent use; the owning shard is its only writer.
type Window struct {
	buf  []domain.Reading
	head int // index of the oldest reading
	size int

	count int
	mean  float64
	m2    float64

	lastSlope float64
	latest    time.Time
}

func NewWindow(capacity int) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{buf: make([]domain.Reading, capacity)}
}

func (w *Window) Cap() int { return len(w.buf) }

func (w *Window) Len() int { return w.size }

// Latest is the observed_at of the newest reading, zero when empty.
func (w *Window) Latest() time.Time { return w.latest }

// Accepts reports whether r can be appended without breaking chronological order.
func (w *Window) Accepts(r domain.Reading) bool {
	return w.size == 0 || r.ObservedAt.After(w.latest)
}

// Append adds r, evicting the oldest reading when full. It returns false and
// leaves the window untouched for out-of-order or duplicate readings.
func (w *Window) Append(r domain.Reading) bool {
	if !w.Accepts(r) {
		return false
	}
	if w.size == len(w.buf) {
		evicted := w.buf[w.head]
		w.buf[w.head] = r
		w.head = (w.head + 1) % len(w.buf)
		w.remove(evicted.Value)
	} else {
		w.buf[(w.head+w.size)%len(w.buf)] = r
		w.size++
	}
	w.add(r.Value)
	w.latest = r.ObservedAt
	return true
}

func (w *Window) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

func (w *Window) remove(x float64) {
	if w.count <= 1 {
		w.count, w.mean, w.m2 = 0, 0, 0
		return
	}
	prev := w.mean
	w.count--
	w.mean = (prev*float64(w.count+1) - x) / float64(w.count)
	w.m2 -= (x - prev) * (x - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// Reset discards every reading and statistic.
func (w *Window) Reset() {
	for i := range w.buf {
		w.buf[i] = domain.Reading{}
	}
	w.head, w.size = 0, 0
	w.count, w.mean, w.m2 = 0, 0, 0
	w.lastSlope = 0
	w.latest = time.Time{}
}

func (w *Window) Mean() float64 { return w.mean }

// Variance is the sample variance (n-1 denominator); zero below two samples.
func (w *Window) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

func (w *Window) StdDev() float64 { return math.Sqrt(w.Variance()) }

func (w *Window) LastSlope() float64 { return w.lastSlope }

// At returns the i-th oldest reading.
func (w *Window) At(i int) domain.Reading {
	return w.buf[(w.head+i)%len(w.buf)]
}

// Values copies the window values, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.At(i).Value
	}
	return out
}

// Snapshot is a read-only copy of a window for callers outside the owning shard.
type Snapshot struct {
	Readings  []domain.Reading `json:"readings"`
	Mean      float64          `json:"mean"`
	Variance  float64          `json:"variance"`
	LastSlope float64          `json:"last_slope"`
}

func (w *Window) Snapshot() Snapshot {
	readings := make([]domain.Reading, w.size)
	for i := 0; i < w.size; i++ {
		readings[i] = w.At(i)
	}
	return Snapshot{
		Readings:  readings,
		Mean:      w.mean,
		Variance:  w.Variance(),
		LastSlope: w.lastSlope,
	}
}

// slope is the least-squares slope (value per second) over readings [from, to).
func (w *Window) slope(from, to int) (float64, bool) {
	n := to - from
	if n < 2 {
		return 0, false
	}
	origin := w.At(from).ObservedAt
	var sumX, sumY, sumXY, sumXX float64
	for i := from; i < to; i++ {
		r := w.At(i)
		x := r.ObservedAt.Sub(origin).Seconds()
		sumX += x
		sumY += r.Value
		sumXY += x * r.Value
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (fn*sumXY - sumX*sumY) / denom, true
}

// variance is the sample variance of readings [from, to), computed in one
// Welford pass.
func (w *Window) variance(from, to int) (float64, bool) {
	n := to - from
	if n < 2 {
		return 0, false
	}
	var mean, m2 float64
	for i := from; i < to; i++ {
		x := w.At(i).Value
		k := float64(i - from + 1)
		delta := x - mean
		mean += delta / k
		m2 += delta * (x - mean)
	}
	return m2 / float64(n-1), true
}
