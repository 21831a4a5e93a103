package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{
		Threshold:    3,
		ResetTimeout: 100 * time.Millisecond,
		HalfOpenMax:  1,
		Now:          func() time.Time { return now },
	})

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatal("expected open after 3 failures")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen || !cb.Allow() {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{
		Threshold:    1,
		ResetTimeout: 50 * time.Millisecond,
		Now:          func() time.Time { return now },
	})

	cb.RecordFailure()
	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestWithCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 1})
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, &ErrRemote{Service: "RUN_SCAN", Status: 400, Message: "bad request"}
	}
	wrapped := WithCircuitBreaker(cb, "RUN_SCAN")(base)
	for i := 0; i < 3; i++ {
		wrapped(context.Background(), nil)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("client errors opened the breaker: %s", cb.State())
	}
}

func TestWithRetry(t *testing.T) {
	attempts := 0
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	resp, err := WithRetry(3, time.Millisecond, nil)(base)(context.Background(), nil)
	if err != nil || string(resp) != "ok" {
		t.Fatalf("got %q, %v", resp, err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetry_StopsOnPermanentErrors(t *testing.T) {
	for name, failure := range map[string]error{
		"circuit": &ErrCircuitOpen{Service: "RUN_SCAN"},
		"client":  &ErrRemote{Service: "RUN_SCAN", Status: 409, Message: "scan in progress"},
	} {
		attempts := 0
		base := func(ctx context.Context, payload []byte) ([]byte, error) {
			attempts++
			return nil, failure
		}
		WithRetry(5, time.Millisecond, nil)(base)(context.Background(), nil)
		if attempts != 1 {
			t.Errorf("%s: expected 1 attempt, got %d", name, attempts)
		}
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		attempts++
		cancel()
		return nil, errors.New("fail")
	}

	if _, err := WithRetry(5, time.Millisecond, nil)(base)(ctx, nil); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithTimeout(t *testing.T) {
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := WithTimeout(5*time.Millisecond)(base)(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWithFallback(t *testing.T) {
	local := func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("local"), nil
	}
	remote := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("remote down")
	}

	resp, err := WithFallback(local, "RUN_SCAN", slog.Default())(remote)(context.Background(), nil)
	if err != nil || string(resp) != "local" {
		t.Fatalf("expected fallback to local, got %q, %v", resp, err)
	}
}

func TestWithFallback_KeepsClientErrors(t *testing.T) {
	localCalled := false
	local := func(ctx context.Context, payload []byte) ([]byte, error) {
		localCalled = true
		return nil, nil
	}
	remote := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, &ErrRemote{Status: 400, Message: "invalid"}
	}

	if _, err := WithFallback(local, "RUN_SCAN", nil)(remote)(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if localCalled {
		t.Fatal("local should not run for a rejected request")
	}
}

func TestWithFallback_NoFallbackOnContextCancel(t *testing.T) {
	localCalled := false
	local := func(ctx context.Context, payload []byte) ([]byte, error) {
		localCalled = true
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	remote := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, ctx.Err()
	}

	if _, err := WithFallback(local, "RUN_SCAN", nil)(remote)(ctx, nil); err == nil {
		t.Fatal("expected error")
	}
	if localCalled {
		t.Fatal("local should not be called on context cancellation")
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, payload []byte) ([]byte, error) {
				order = append(order, name+"-before")
				resp, err := next(ctx, payload)
				order = append(order, name+"-after")
				return resp, err
			}
		}
	}
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	}

	Chain(mw("mw1"), mw("mw2"))(base)(context.Background(), nil)

	want := "mw1-before,mw2-before,handler,mw2-after,mw1-after"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRecovery(t *testing.T) {
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	}
	_, err := Recovery(slog.Default())(base)(context.Background(), nil)
	var ep *ErrPanic
	if !errors.As(err, &ep) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
	if ep.Value != "boom" || !strings.Contains(err.Error(), "boom") {
		t.Errorf("panic value lost: %v", err)
	}
}

func TestRecovery_PassesResults(t *testing.T) {
	resp, err := Recovery(nil)(echo)(context.Background(), []byte("report"))
	if err != nil || string(resp) != "report" {
		t.Fatalf("got %q, %v", resp, err)
	}
}

func TestWithTimeout_Disabled(t *testing.T) {
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		if _, ok := ctx.Deadline(); ok {
			return nil, errors.New("deadline set")
		}
		return nil, nil
	}
	if _, err := WithTimeout(0)(base)(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	resp, err := Logging(slog.Default(), "RUN_SCAN")(echo)(context.Background(), []byte("x"))
	if err != nil || string(resp) != "x" {
		t.Fatalf("got %q, %v", resp, err)
	}
}
