package limits

import (
	"context"
	"errors"
	"testing"
)

func TestCheckSumsEveryBucket(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	empty, err := svc.Check(ctx, CheckRequest{UserID: "u1", AmountMicros: units(1)})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if empty.Sufficient || empty.Reason != ReasonInsufficientFunds || empty.RemainingAfterMicros != 0 {
		t.Fatalf("unexpected result without buckets %+v", empty)
	}

	mustCreatePolicy(t, svc, "TWO", true, alwaysSpec,
		`{"windows":[
			{"id":"hour","limit":20,"periodSeconds":3600},
			{"id":"day","limit":100,"periodIso":"P1D"}
		]}`)
	if _, err := svc.Debit(ctx, DebitRequest{UserID: "u1", TxID: "tx", AmountMicros: units(5)}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	ok, err := svc.Check(ctx, CheckRequest{UserID: "u1", AmountMicros: units(100)})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// 15 + 95 remaining across both buckets.
	if !ok.Sufficient || ok.Reason != ReasonOK || ok.RemainingAfterMicros != units(10) {
		t.Fatalf("unexpected sufficient result %+v", ok)
	}

	short, err := svc.Check(ctx, CheckRequest{UserID: "u1", AmountMicros: units(111)})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if short.Sufficient || short.RemainingAfterMicros != units(110) {
		t.Fatalf("unexpected insufficient result %+v", short)
	}
}

func TestCheckValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	if _, err := svc.Check(context.Background(), CheckRequest{AmountMicros: 1}); !errors.Is(err, ErrClientInput) {
		t.Fatalf("expected client input for blank user, got %v", err)
	}
	if _, err := svc.Check(context.Background(), CheckRequest{UserID: "u1"}); !errors.Is(err, ErrClientInput) {
		t.Fatalf("expected client input for zero amount, got %v", err)
	}
}
