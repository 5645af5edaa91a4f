package llmgateway

import (
	"context"
	"errors"
	"testing"

	"github.com/appforge/genforge/internal/backoff"
	"github.com/appforge/genforge/pkg/models"
)

type fakeProvider struct {
	calls   int
	failN   int // fail this many times before succeeding
	lastErr error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.lastErr
	}
	return &Completion{Blocks: []models.Block{{Kind: models.BlockText, Text: "ok"}}}, nil
}

func TestGateway_CompleteSucceedsFirstTry(t *testing.T) {
	p := &fakeProvider{}
	g := New(map[string]Provider{"fake": p})

	res, err := g.Complete(context.Background(), "fake", &Request{Model: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(res.Blocks) != 1 || res.Blocks[0].Text != "ok" {
		t.Errorf("result = %+v", res)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestGateway_RetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{failN: 2, lastErr: ErrServerError}
	g := New(map[string]Provider{"fake": p}, WithBackoffPolicy(backoff.BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}), WithMaxRetries(3))

	res, err := g.Complete(context.Background(), "fake", &Request{Model: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", p.calls)
	}
	if res == nil {
		t.Fatal("expected non-nil result after retry succeeds")
	}
}

func TestGateway_DoesNotRetryNonRetryableErrors(t *testing.T) {
	p := &fakeProvider{failN: 1, lastErr: ErrProtocol}
	g := New(map[string]Provider{"fake": p})

	_, err := g.Complete(context.Background(), "fake", &Request{Model: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (protocol errors should not retry)", p.calls)
	}
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := New(map[string]Provider{})
	if _, err := g.Complete(context.Background(), "missing", &Request{}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestGateway_ReplayCacheSkipsSecondCall(t *testing.T) {
	p := &fakeProvider{}
	g := New(map[string]Provider{"fake": p}, WithReplayCache())

	req := &Request{Model: "x", System: "sys"}
	if _, err := g.Complete(context.Background(), "fake", req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := g.Complete(context.Background(), "fake", req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (second call should replay from cache)", p.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrRateLimited, true},
		{ErrServerError, true},
		{ErrProtocol, false},
		{errors.New("plain error"), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
