package session

import (
	"sort"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
)

// CurlKey identifies one finger.
type CurlKey struct {
	Hand   pose.Hand
	Finger pose.Finger
}

// PendingCurl is the latest unsent value for one finger.
type PendingCurl struct {
	Key      CurlKey
	Value    float32
	QueuedAt time.Time
	// Updates counts values collapsed into this entry.
	Updates int
}

// CurlOutbox collapses curl updates per finger and releases them at most
// once per interval. Like Debouncer it belongs to one session goroutine
// and is not safe for concurrent use.
type CurlOutbox struct {
	interval  time.Duration
	items     map[CurlKey]PendingCurl
	lastFlush time.Time
}

func NewCurlOutbox(interval time.Duration) *CurlOutbox {
	return &CurlOutbox{
		interval: interval,
		items:    make(map[CurlKey]PendingCurl),
	}
}

// Upsert stores v as the pending value for key. It reports whether an
// earlier pending value was replaced.
func (o *CurlOutbox) Upsert(key CurlKey, v float32, at time.Time) bool {
	item, replaced := o.items[key]
	if !replaced {
		item = PendingCurl{Key: key, QueuedAt: at}
	}
	item.Value = v
	item.Updates++
	o.items[key] = item
	return replaced
}

// Due reports whether Drain would release anything at now.
func (o *CurlOutbox) Due(now time.Time) bool {
	if len(o.items) == 0 {
		return false
	}
	return o.lastFlush.IsZero() || now.Sub(o.lastFlush) >= o.interval
}

// Drain releases every pending value in hand/finger order when due.
func (o *CurlOutbox) Drain(now time.Time) []PendingCurl {
	if !o.Due(now) {
		return nil
	}
	out := make([]PendingCurl, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return pose.CurlIndex(out[i].Key.Hand, out[i].Key.Finger) < pose.CurlIndex(out[j].Key.Hand, out[j].Key.Finger)
	})
	o.items = make(map[CurlKey]PendingCurl)
	o.lastFlush = now
	return out
}

func (o *CurlOutbox) Get(key CurlKey) (PendingCurl, bool) {
	item, ok := o.items[key]
	return item, ok
}

func (o *CurlOutbox) Len() int {
	return len(o.items)
}

// Reset drops pending values and the flush clock.
func (o *CurlOutbox) Reset() {
	o.items = make(map[CurlKey]PendingCurl)
	o.lastFlush = time.Time{}
}

// Debouncer emits a value once it has stayed unchanged for the interval,
// and never emits the same value twice in a row.
type Debouncer struct {
	interval   time.Duration
	pending    float32
	hasPending bool
	changedAt  time.Time
	last       float32
	hasLast    bool
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Offer records a new observation. It reports whether the quiet period
// restarted.
func (d *Debouncer) Offer(v float32, now time.Time) bool {
	if d.hasPending && v == d.pending {
		return false
	}
	if !d.hasPending && d.hasLast && v == d.last {
		return false
	}
	d.pending = v
	d.hasPending = true
	d.changedAt = now
	return true
}

// Ready returns the settled value once the interval passed since the last change.
func (d *Debouncer) Ready(now time.Time) (float32, bool) {
	if !d.hasPending || now.Sub(d.changedAt) < d.interval {
		return 0, false
	}
	d.hasPending = false
	if d.hasLast && d.pending == d.last {
		return 0, false
	}
	d.last = d.pending
	d.hasLast = true
	return d.last, true
}

// Reset forgets pending and emitted values.
func (d *Debouncer) Reset() {
	*d = Debouncer{interval: d.interval}
}
