package memory

import (
	"context"
	"strings"
	"sync"
	"testing"

	kestrel "github.com/kestrelai/kestrel"
)

func TestGetOrCreate(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "s1", "owner", "chat")
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionID != "s1" || sess.OwnerID != "owner" || sess.Name != "chat" {
		t.Errorf("session = %+v", sess)
	}
	if sess.CreatedAt == 0 {
		t.Error("CreatedAt not set")
	}

	// Second call returns the same session, not a fresh one.
	again, err := s.GetOrCreate(ctx, "s1", "other", "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if again.OwnerID != "owner" {
		t.Errorf("OwnerID = %q, want original owner", again.OwnerID)
	}

	if _, err := s.GetOrCreate(ctx, "", "o", "n"); err == nil {
		t.Error("empty session id accepted")
	}
}

func TestAppendRunAndHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Implicit session creation.
	if err := s.AppendRun(ctx, "s1", kestrel.RunRecord{RunID: "1", Task: "t1", Response: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRun(ctx, "s1", kestrel.RunRecord{RunID: "2", ParentRunID: "1", Task: "sub", Response: "m"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRun(ctx, "s1", kestrel.RunRecord{RunID: "3", Task: "t2", Response: "r2"}); err != nil {
		t.Fatal(err)
	}

	h, err := s.HistoryContext(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h, "task: t1") || !strings.Contains(h, "task: t2") {
		t.Errorf("history missing top-level runs: %q", h)
	}
	if strings.Contains(h, "sub") {
		t.Error("member run leaked into history")
	}

	// Unknown session yields empty history, not an error.
	h, err = s.HistoryContext(ctx, "missing", 5)
	if err != nil || h != "" {
		t.Errorf("HistoryContext(missing) = %q, %v", h, err)
	}
}

func TestState(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SetState(ctx, "nope", "k", "v"); err == nil {
		t.Error("SetState on missing session did not fail")
	}

	if _, err := s.GetOrCreate(ctx, "s1", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(ctx, "s1", "counter", 42); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetState(ctx, "s1", "counter")
	if err != nil || !ok {
		t.Fatalf("GetState = %v, %v, %v", v, ok, err)
	}
	if v != 42 {
		t.Errorf("value = %v, want 42", v)
	}

	if _, ok, _ := s.GetState(ctx, "s1", "missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestReturnedSessionIsACopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.AppendRun(ctx, "s1", kestrel.RunRecord{RunID: "1", Task: "t", Response: "r"}); err != nil {
		t.Fatal(err)
	}
	sess, err := s.GetOrCreate(ctx, "s1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	sess.Runs[0].Response = "tampered"

	fresh, _ := s.GetOrCreate(ctx, "s1", "", "")
	if fresh.Runs[0].Response != "r" {
		t.Error("caller mutation reached the store")
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendRun(ctx, "s1", kestrel.RunRecord{RunID: kestrel.NewID()})
		}()
	}
	wg.Wait()

	sess, err := s.GetOrCreate(ctx, "s1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Runs) != 50 {
		t.Errorf("runs = %d, want 50", len(sess.Runs))
	}
}
