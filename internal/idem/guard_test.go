package idem

import (
	"testing"
	"time"

	"orderflow/models"
)

func TestReserveGrantsFreshKey(t *testing.T) {
	g := NewGuard(time.Minute, 16)

	replay, err := g.Reserve("k1")
	if err != nil || replay != nil {
		t.Fatalf("fresh key: got replay=%v err=%v", replay, err)
	}
}

func TestReserveConflictsWhilePending(t *testing.T) {
	g := NewGuard(time.Minute, 16)

	if _, err := g.Reserve("k1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := g.Reserve("k1"); err != ErrPending {
		t.Fatalf("second reserve: got %v, want ErrPending", err)
	}
}

func TestCompleteThenReplay(t *testing.T) {
	g := NewGuard(time.Minute, 16)

	g.Reserve("k1")
	g.Complete("k1", models.ExecutionResult{
		Status: models.ExecStatusSubmitted,
		Key:    "k1",
		Fill:   &models.FillResult{Quantity: 0.5, AvgPrice: 50000},
	})

	replay, err := g.Reserve("k1")
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if replay == nil {
		t.Fatal("expected stored result")
	}
	if replay.Status != models.ExecStatusReplayed {
		t.Fatalf("replay status: got %s", replay.Status)
	}
	if replay.Fill == nil || replay.Fill.Quantity != 0.5 {
		t.Fatalf("replay fill: got %+v", replay.Fill)
	}
}

func TestReleaseFreesKey(t *testing.T) {
	g := NewGuard(time.Minute, 16)

	g.Reserve("k1")
	g.Release("k1")
	if replay, err := g.Reserve("k1"); err != nil || replay != nil {
		t.Fatalf("after release: got replay=%v err=%v", replay, err)
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	g := NewGuard(100*time.Millisecond, 16)
	base := time.Now()
	g.now = func() time.Time { return base }

	g.Reserve("k1")
	g.now = func() time.Time { return base.Add(200 * time.Millisecond) }

	if replay, err := g.Reserve("k1"); err != nil || replay != nil {
		t.Fatalf("stale claim: got replay=%v err=%v", replay, err)
	}
}

func TestCompletedStoreEvictsOldest(t *testing.T) {
	g := NewGuard(time.Minute, 2)

	for _, key := range []string{"a", "b", "c"} {
		g.Reserve(key)
		g.Complete(key, models.ExecutionResult{Status: models.ExecStatusSubmitted, Key: key})
	}

	if g.Len() != 2 {
		t.Fatalf("store size: got %d, want 2", g.Len())
	}
	if replay, _ := g.Reserve("a"); replay != nil {
		t.Fatal("oldest key should have been evicted")
	}
	g.Release("a")
	if replay, _ := g.Reserve("c"); replay == nil {
		t.Fatal("newest key should be retained")
	}
}

func TestDeriveKeyBucketsTime(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)
	k1 := DeriveKey("momentum", "BTCUSDT", models.SideBuy, at, time.Minute)
	k2 := DeriveKey("momentum", "BTCUSDT", models.SideBuy, at.Add(30*time.Second), time.Minute)
	k3 := DeriveKey("momentum", "BTCUSDT", models.SideBuy, at.Add(2*time.Minute), time.Minute)

	if k1 != k2 {
		t.Fatalf("same bucket must collide: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Fatal("different buckets must not collide")
	}
}

func TestDeriveKeyWithoutStrategyIsUnique(t *testing.T) {
	at := time.Now()
	k1 := DeriveKey("", "BTCUSDT", models.SideBuy, at, time.Minute)
	k2 := DeriveKey("", "BTCUSDT", models.SideBuy, at, time.Minute)
	if k1 == k2 {
		t.Fatal("strategy-less keys must be unique")
	}
}
