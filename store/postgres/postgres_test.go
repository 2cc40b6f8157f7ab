package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	kestrel "github.com/kestrelai/kestrel"
)

// newTestStore connects to the database named by KESTREL_POSTGRES_DSN and
// skips the test when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KESTREL_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KESTREL_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := kestrel.NewID()

	sess, err := s.GetOrCreate(ctx, id, "owner", "chat")
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionID != id || sess.OwnerID != "owner" || sess.Name != "chat" {
		t.Errorf("session = %+v", sess)
	}

	again, err := s.GetOrCreate(ctx, id, "intruder", "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if again.OwnerID != "owner" || again.Name != "chat" {
		t.Errorf("second GetOrCreate overwrote identity: %+v", again)
	}

	if _, err := s.GetOrCreate(ctx, "", "o", "n"); err == nil {
		t.Error("empty session id accepted")
	}
}

func TestAppendRunOrderAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := kestrel.NewID()

	recs := []kestrel.RunRecord{
		{RunID: kestrel.NewID(), RunnerType: kestrel.RunnerSolo, Task: "q1", Response: "a1", Success: true, Steps: 2},
		{RunID: kestrel.NewID(), RunnerType: kestrel.RunnerSolo, Task: "q2", Response: "a2",
			Metadata: map[string]any{"channel": "api"}},
	}
	recs = append(recs, kestrel.RunRecord{
		RunID: kestrel.NewID(), ParentRunID: recs[0].RunID,
		RunnerType: kestrel.RunnerMember, RunnerName: "m", Task: "sub", Response: "x",
	})
	for _, r := range recs {
		if err := s.AppendRun(ctx, id, r); err != nil {
			t.Fatal(err)
		}
	}

	sess, err := s.GetOrCreate(ctx, id, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(sess.Runs))
	}
	for i := range recs {
		if sess.Runs[i].RunID != recs[i].RunID {
			t.Errorf("runs[%d] = %q, want %q (seq order)", i, sess.Runs[i].RunID, recs[i].RunID)
		}
	}
	if sess.Runs[1].Metadata["channel"] != "api" {
		t.Errorf("metadata = %v", sess.Runs[1].Metadata)
	}

	h, err := s.HistoryContext(ctx, id, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h, "task: q1") || !strings.Contains(h, "task: q2") {
		t.Errorf("history = %q", h)
	}
	if strings.Contains(h, "sub") {
		t.Error("member run leaked into history")
	}
}

func TestState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := kestrel.NewID()

	if err := s.SetState(ctx, kestrel.NewID(), "k", "v"); err == nil {
		t.Error("SetState on missing session did not fail")
	}

	if _, err := s.GetOrCreate(ctx, id, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(ctx, id, "phase", "review"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetState(ctx, id, "phase")
	if err != nil || !ok || v != "review" {
		t.Errorf("GetState = %v, %v, %v", v, ok, err)
	}
	if _, ok, _ := s.GetState(ctx, id, "missing"); ok {
		t.Error("missing key reported present")
	}
}
