// Package scheduler runs keyed one-shot tasks from a cooperative tick loop.
//
// A task either waits for a predicate (polled on a fixed cadence) or for a
// deadline. Tasks are keyed by owner and name so scheduling the same key
// replaces the pending task, and every task of an owner can be cancelled
// when that owner goes away. Nothing here blocks; all work runs inside Tick.
package scheduler

import (
	"sort"
	"time"

	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/rs/zerolog"
)

// Key identifies a pending task.
type Key struct {
	Owner uint32
	Name  string
}

type task struct {
	key       Key
	seq       uint64
	ready     func() bool
	due       time.Time
	interval  time.Duration
	nextCheck time.Time
	run       func()
}

// Scheduler is not safe for concurrent use.
type Scheduler struct {
	tasks map[Key]*task
	seq   uint64
	now   time.Time
	log   zerolog.Logger
}

func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[Key]*task),
		log:   logging.For("scheduler"),
	}
}

// Await runs fn once ready reports true. ready is checked immediately and
// then at most once per interval from Tick (every tick when interval is 0).
// It returns true when fn already ran.
func (s *Scheduler) Await(owner uint32, name string, interval time.Duration, ready func() bool, fn func()) bool {
	key := Key{Owner: owner, Name: name}
	delete(s.tasks, key)
	if ready() {
		fn()
		return true
	}
	s.seq++
	s.tasks[key] = &task{
		key:       key,
		seq:       s.seq,
		ready:     ready,
		interval:  interval,
		nextCheck: s.now.Add(interval),
		run:       fn,
	}
	s.log.Trace().Uint32("owner", owner).Str("task", name).Msg("scheduler.Await pending")
	return false
}

// After runs fn on the first Tick at or past at.
func (s *Scheduler) After(owner uint32, name string, at time.Time, fn func()) {
	key := Key{Owner: owner, Name: name}
	s.seq++
	s.tasks[key] = &task{key: key, seq: s.seq, due: at, run: fn}
}

// Cancel drops one pending task.
func (s *Scheduler) Cancel(owner uint32, name string) bool {
	key := Key{Owner: owner, Name: name}
	if _, ok := s.tasks[key]; !ok {
		return false
	}
	delete(s.tasks, key)
	return true
}

// CancelOwner drops every pending task of owner and returns how many.
func (s *Scheduler) CancelOwner(owner uint32) int {
	n := 0
	for key := range s.tasks {
		if key.Owner == owner {
			delete(s.tasks, key)
			n++
		}
	}
	if n > 0 {
		s.log.Debug().Uint32("owner", owner).Int("cancelled", n).Msg("scheduler.CancelOwner")
	}
	return n
}

// Pending reports whether a task is waiting under the key.
func (s *Scheduler) Pending(owner uint32, name string) bool {
	_, ok := s.tasks[Key{Owner: owner, Name: name}]
	return ok
}

func (s *Scheduler) Len() int { return len(s.tasks) }

// Tick runs every task whose predicate holds or whose deadline passed, in
// scheduling order. Tasks scheduled while ticking wait for the next Tick.
func (s *Scheduler) Tick(now time.Time) int {
	s.now = now
	batch := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		batch = append(batch, t)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })

	ran := 0
	for _, t := range batch {
		// an earlier task in this batch may have cancelled or replaced it
		if cur, ok := s.tasks[t.key]; !ok || cur != t {
			continue
		}
		if !s.due(t, now) {
			continue
		}
		delete(s.tasks, t.key)
		t.run()
		ran++
	}
	return ran
}

func (s *Scheduler) due(t *task, now time.Time) bool {
	if t.ready == nil {
		return !now.Before(t.due)
	}
	if now.Before(t.nextCheck) {
		return false
	}
	t.nextCheck = now.Add(t.interval)
	return t.ready()
}
