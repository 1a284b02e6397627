package lifecycle

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer records whether Stop was called and exposes the callback
// so tests can fire it deterministically.
type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true

	return true
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	t.fired = true
	fn := t.fn
	t.mu.Unlock()

	fn()
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

// timerRecorder is a newTimer replacement capturing every armed timer.
type timerRecorder struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (r *timerRecorder) newTimer(d time.Duration, fn func()) stopper {
	r.mu.Lock()
	defer r.mu.Unlock()

	ft := &fakeTimer{delay: d, fn: fn}
	r.timers = append(r.timers, ft)

	return ft
}

func (r *timerRecorder) last() *fakeTimer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.timers) == 0 {
		return nil
	}

	return r.timers[len(r.timers)-1]
}

// livePending counts timers that were armed and neither stopped nor
// consumed by firing.
func (r *timerRecorder) livePending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, ft := range r.timers {
		ft.mu.Lock()
		if !ft.stopped && !ft.fired {
			n++
		}
		ft.mu.Unlock()
	}

	return n
}

func newTestScheduler(rec *timerRecorder, now func() time.Time) *Scheduler {
	s := NewScheduler(slog.Default())
	s.newTimer = rec.newTimer
	s.now = now

	return s
}

func TestArm_DelayIsExpiryMinusSkew(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	s.Arm(base.Add(10*time.Minute), func() {})

	require.True(t, s.Armed())
	require.Len(t, rec.timers, 1)
	assert.Equal(t, 5*time.Minute, rec.last().delay)
}

func TestArm_ZeroExpiryNeverArms(t *testing.T) {
	rec := &timerRecorder{}
	s := newTestScheduler(rec, time.Now)

	s.Arm(time.Time{}, func() { t.Fatal("must not fire") })

	assert.False(t, s.Armed())
	assert.Empty(t, rec.timers)
}

func TestArm_InsideSkewWindowNotArmed(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	// Expiry in 3 minutes is already inside the 5 minute skew.
	s.Arm(base.Add(3*time.Minute), func() { t.Fatal("must not fire") })

	assert.False(t, s.Armed())
	assert.Empty(t, rec.timers)
}

func TestArm_ReplacementStopsPriorTimer(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	for i := 0; i < 5; i++ {
		s.Arm(base.Add(time.Duration(10+i)*time.Minute), func() {})
	}

	assert.Equal(t, 1, rec.livePending(), "sequential replacements must never accumulate timers")
	assert.True(t, s.Armed())
}

func TestFire_ClearsPendingAndRuns(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	fired := 0
	s.Arm(base.Add(10*time.Minute), func() { fired++ })

	rec.last().fire()

	assert.Equal(t, 1, fired)
	assert.False(t, s.Armed())
}

func TestFire_SupersededTimerIsInert(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	s.Arm(base.Add(10*time.Minute), func() { t.Error("superseded timer fired") })
	first := rec.last()

	s.Arm(base.Add(20*time.Minute), func() {})

	// A real timer can fire concurrently with its replacement; the
	// stale callback must recognize it lost and do nothing.
	first.fire()

	assert.True(t, s.Armed())
}

func TestCancel_StopsPendingTimer(t *testing.T) {
	base := time.Now()
	rec := &timerRecorder{}
	s := newTestScheduler(rec, func() time.Time { return base })

	s.Arm(base.Add(10*time.Minute), func() {})
	s.Cancel()

	assert.False(t, s.Armed())
	assert.True(t, rec.last().isStopped())
}
