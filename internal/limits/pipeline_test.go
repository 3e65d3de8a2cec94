package limits

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type traceContext struct {
	trace []string
	done  bool
}

func TestRunStepsOrderAndTermination(t *testing.T) {
	record := func(name string) func(context.Context, *traceContext) error {
		return func(_ context.Context, c *traceContext) error {
			c.trace = append(c.trace, name)
			return nil
		}
	}
	c := &traceContext{}
	errRun := runSteps(context.Background(), c, func(c *traceContext) bool { return c.done },
		step[traceContext]{name: "a", run: record("a")},
		step[traceContext]{name: "skipped", when: func(*traceContext) bool { return false }, run: record("skipped")},
		step[traceContext]{name: "b", run: func(_ context.Context, c *traceContext) error {
			c.trace = append(c.trace, "b")
			c.done = true
			return nil
		}},
		step[traceContext]{name: "c", run: record("c")},
	)
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(c.trace, want) {
		t.Fatalf("expected %v, got %v", want, c.trace)
	}
}

func TestRunStepsStopsOnErrorAndCancellation(t *testing.T) {
	boom := errors.New("boom")
	c := &traceContext{}
	errRun := runSteps(context.Background(), c, func(*traceContext) bool { return false },
		step[traceContext]{name: "fail", run: func(context.Context, *traceContext) error { return boom }},
		step[traceContext]{name: "after", run: func(_ context.Context, c *traceContext) error {
			c.trace = append(c.trace, "after")
			return nil
		}},
	)
	if !errors.Is(errRun, boom) || len(c.trace) != 0 {
		t.Fatalf("expected boom and no further steps, got %v %v", errRun, c.trace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errRun = runSteps(ctx, c, func(*traceContext) bool { return false },
		step[traceContext]{name: "never", run: func(context.Context, *traceContext) error { return nil }},
	)
	if !errors.Is(errRun, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", errRun)
	}
}

func TestErrorKinds(t *testing.T) {
	err := insufficient("user:u1:day", units(40), units(50))
	if !errors.Is(err, ErrInsufficientLimit) || errors.Is(err, ErrConflict) {
		t.Fatalf("sentinel matching broken for %v", err)
	}
	if err.Error() != "Insufficient limit in scope=user:u1:day (remaining=40.00, amount=50.00)" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err.Retryable() || !(&Error{Kind: KindLockTimeout}).Retryable() {
		t.Fatalf("only lock timeouts are retryable")
	}
	if KindOf(errors.New("plain")) != "" || KindOf(err) != KindInsufficientLimit {
		t.Fatalf("KindOf mismatch")
	}
	if mb, ok := ParseMissBehavior(" reject "); !ok || mb != MissReject {
		t.Fatalf("parse miss behaviour: %v %v", mb, ok)
	}
}
