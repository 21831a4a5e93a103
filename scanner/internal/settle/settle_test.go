package settle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakePage struct {
	signals chan struct{}
	err     error
	stopped atomic.Int32
}

func newFakePage() *fakePage {
	return &fakePage{signals: make(chan struct{}, 16)}
}

func (f *fakePage) ObserveMutations(ctx context.Context) (<-chan struct{}, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.signals, func() { f.stopped.Add(1) }, nil
}

func TestWait_QuietPageSettles(t *testing.T) {
	p := newFakePage()
	res := Wait(context.Background(), p, Options{Quiet: 5 * time.Millisecond, Max: time.Second})
	if !res.Settled || res.TimedOut || res.Mutations != 0 {
		t.Fatalf("got %+v", res)
	}
	if p.stopped.Load() != 1 {
		t.Fatalf("observer stopped %d times, want 1", p.stopped.Load())
	}
}

func TestWait_ZeroDurationsSettleImmediately(t *testing.T) {
	p := newFakePage()
	res := Wait(context.Background(), p, Options{})
	if !res.Settled {
		t.Fatalf("got %+v", res)
	}
	if p.stopped.Load() != 1 {
		t.Fatal("observer not stopped")
	}
}

func TestWait_BusyPageTimesOut(t *testing.T) {
	p := newFakePage()
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				select {
				case p.signals <- struct{}{}:
				default:
				}
			}
		}
	}()

	res := Wait(context.Background(), p, Options{Quiet: 50 * time.Millisecond, Max: 20 * time.Millisecond})
	// Max below Quiet is raised to Quiet, so the wait lasts about 50ms.
	if res.Settled || !res.TimedOut {
		t.Fatalf("got %+v", res)
	}
	if res.Mutations == 0 {
		t.Fatal("no mutations counted")
	}
	if p.stopped.Load() != 1 {
		t.Fatal("observer not stopped after timeout")
	}
}

func TestWait_MutationsDelaySettling(t *testing.T) {
	p := newFakePage()
	go func() {
		for i := 0; i < 3; i++ {
			p.signals <- struct{}{}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	res := Wait(context.Background(), p, Options{Quiet: 20 * time.Millisecond, Max: 2 * time.Second})
	if !res.Settled {
		t.Fatalf("got %+v", res)
	}
	if res.Mutations != 3 {
		t.Fatalf("mutations: got %d, want 3", res.Mutations)
	}
}

func TestWait_ObserverFailureDegrades(t *testing.T) {
	p := &fakePage{err: errors.New("binding refused")}
	res := Wait(context.Background(), p, Options{Quiet: time.Millisecond, Max: time.Second})
	if !res.Settled {
		t.Fatalf("got %+v", res)
	}
}

func TestWait_Cancelled(t *testing.T) {
	p := newFakePage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Wait(ctx, p, Options{Quiet: time.Second, Max: time.Minute})
	if !res.Cancelled {
		t.Fatalf("got %+v", res)
	}
	if p.stopped.Load() != 1 {
		t.Fatal("observer not stopped after cancellation")
	}
}

func TestWait_NilObservable(t *testing.T) {
	res := Wait(context.Background(), nil, Options{Quiet: time.Millisecond})
	if !res.Settled {
		t.Fatalf("got %+v", res)
	}
}
