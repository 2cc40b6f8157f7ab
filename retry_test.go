package kestrel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &mockProvider{
		errs: []error{
			&ErrHTTP{Status: 503, Body: "unavailable"},
			&ErrHTTP{Status: 0, Body: "connection reset"},
		},
		responses: []ChatResponse{{}, {}, {Content: "recovered"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q", resp.Content)
	}
	if inner.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", inner.callCount())
	}
}

func TestRetryClientErrorImmediate(t *testing.T) {
	inner := &mockProvider{
		errs: []error{&ErrHTTP{Status: 401, Body: "bad key"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 401 {
		t.Fatalf("err = %v, want 401", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", inner.callCount())
	}
}

func TestRetryExhaustion(t *testing.T) {
	inner := &mockProvider{
		errs: []error{
			&ErrHTTP{Status: 500}, &ErrHTTP{Status: 500}, &ErrHTTP{Status: 500},
		},
	}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v, want last 500", err)
	}
	if inner.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", inner.callCount())
	}
}

func TestRetryNonHTTPErrorImmediate(t *testing.T) {
	inner := &mockProvider{errs: []error{errors.New("parse failure")}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.callCount() != 1 {
		t.Errorf("attempts = %d, want 1", inner.callCount())
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	inner := &mockProvider{
		errs: []error{&ErrHTTP{Status: 500}, &ErrHTTP{Status: 500}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("attempts = %d, want 1 (cancelled in backoff)", inner.callCount())
	}
}

func TestRetryStreamTransient(t *testing.T) {
	inner := &mockProvider{
		errs:      []error{&ErrHTTP{Status: 502}},
		responses: []ChatResponse{{}, {Content: "streamed"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "streamed" {
		t.Errorf("Content = %q", resp.Content)
	}
	var deltas int
	for ev := range ch {
		if ev.Type == EventTextDelta {
			deltas++
		}
	}
	// No duplicate events from the failed attempt.
	if deltas != 1 {
		t.Errorf("deltas = %d, want 1", deltas)
	}
}

func TestRetryStreamClosesChannelOnError(t *testing.T) {
	inner := &mockProvider{
		errs: []error{&ErrHTTP{Status: 400, Body: "bad request"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, open := <-ch; open {
		t.Error("channel left open after error")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ErrHTTP{Status: 0}, true},
		{&ErrHTTP{Status: 500}, true},
		{&ErrHTTP{Status: 503}, true},
		{&ErrHTTP{Status: 429}, false},
		{&ErrHTTP{Status: 400}, false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	r := &retryProvider{baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}

	d := r.delay(0, &ErrHTTP{Status: 503, RetryAfter: time.Second})
	if d != time.Second {
		t.Errorf("delay = %v, want Retry-After floor of 1s", d)
	}

	// Without Retry-After, delay stays near the exponential schedule.
	d = r.delay(0, &ErrHTTP{Status: 503})
	if d < time.Millisecond || d > 2*time.Millisecond {
		t.Errorf("delay = %v, want ~1ms with jitter", d)
	}

	// Ceiling applies.
	d = r.delay(10, &ErrHTTP{Status: 503})
	if d > 15*time.Millisecond {
		t.Errorf("delay = %v, want capped near maxDelay", d)
	}
}

func TestRetryName(t *testing.T) {
	p := WithRetry(&mockProvider{name: "wrapped"})
	if p.Name() != "wrapped" {
		t.Errorf("Name = %q, want wrapped", p.Name())
	}
}
