package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const shortWait = time.Second

// fakePurger returns canned counts in order and signals every call.
type fakePurger struct {
	counts []int64
	err    error
	calls  atomic.Int32
	called chan struct{}
}

func newFakePurger(counts ...int64) *fakePurger {
	return &fakePurger{counts: counts, called: make(chan struct{}, 16)}
}

func (f *fakePurger) Purge(ctx context.Context) (int64, error) {
	i := int(f.calls.Add(1)) - 1
	defer func() { f.called <- struct{}{} }()
	if f.err != nil {
		return 0, f.err
	}
	if i < len(f.counts) {
		return f.counts[i], nil
	}
	return 0, nil
}

func expectCall(t *testing.T, p *fakePurger) {
	t.Helper()
	select {
	case <-p.called:
	case <-time.After(shortWait):
		t.Fatal("expected a purge")
	}
}

func expectNoCall(t *testing.T, p *fakePurger) {
	t.Helper()
	select {
	case <-p.called:
		t.Fatal("unexpected purge")
	case <-time.After(50 * time.Millisecond):
	}
}

func startJanitor(t *testing.T, p Purger, clk *testclock.Clock) (*Janitor, context.CancelFunc) {
	t.Helper()
	j := NewJanitor(p, JanitorConfig{Interval: time.Minute, MaxBackoff: 4 * time.Minute, Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())
	go j.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-j.Done()
	})
	return j, cancel
}

func TestJanitor_PurgesOnInterval(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p := newFakePurger(3, 2)
	startJanitor(t, p, clk)

	expectNoCall(t, p)
	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)

	// Entries were removed, so the next round stays at the base interval.
	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)
}

func TestJanitor_BacksOffWhenQuiet(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p := newFakePurger(0)
	startJanitor(t, p, clk)

	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)

	// Next wait is 2m: one minute is not enough.
	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectNoCall(t, p)

	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)
}

func TestJanitor_BackoffIsCapped(t *testing.T) {
	j := NewJanitor(newFakePurger(), JanitorConfig{Interval: time.Minute, MaxBackoff: 4 * time.Minute})

	d := time.Minute
	for i := 0; i < 5; i++ {
		d = j.backoff(d)
	}
	if d != 4*time.Minute {
		t.Errorf("backoff = %v, want cap of 4m", d)
	}
}

func TestJanitor_ErrorsDoNotStopTheLoop(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p := newFakePurger()
	p.err = errors.New("connection refused")
	startJanitor(t, p, clk)

	if err := clk.WaitAdvance(time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)

	if err := clk.WaitAdvance(2*time.Minute, shortWait, 1); err != nil {
		t.Fatal(err)
	}
	expectCall(t, p)
}

func TestJanitor_StopsOnCancel(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	j := NewJanitor(newFakePurger(), JanitorConfig{Interval: time.Minute, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- j.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(shortWait):
		t.Fatal("janitor did not stop")
	}

	select {
	case <-j.Done():
	default:
		t.Error("Done() should be closed after Run returns")
	}
}

func TestNewJanitor_Defaults(t *testing.T) {
	j := NewJanitor(PurgeFunc(func(context.Context) (int64, error) { return 0, nil }), JanitorConfig{})
	if j.config.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", j.config.Interval)
	}
	if j.config.MaxBackoff != 40*time.Minute {
		t.Errorf("MaxBackoff = %v, want 40m", j.config.MaxBackoff)
	}
}
