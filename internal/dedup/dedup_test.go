package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/appscript-studio/engine/internal/store"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Store{
		"sqlite": NewSQLite(st),
		"redis":  NewRedis(rdb),
	}
}

func TestClaimEvent(t *testing.T) {
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			claim, err := d.ClaimEvent(ctx, "slack", "message_received", "ev-1", "exec-1", time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if !claim.Fresh || claim.ExecutionID != "exec-1" {
				t.Fatalf("first claim = %+v", claim)
			}

			// Redelivery maps to the original execution.
			claim, err = d.ClaimEvent(ctx, "slack", "message_received", "ev-1", "exec-2", time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if claim.Fresh {
				t.Fatal("duplicate delivery must not be fresh")
			}
			if claim.ExecutionID != "exec-1" {
				t.Fatalf("duplicate maps to %q, want exec-1", claim.ExecutionID)
			}

			// Different event ids, triggers, and connectors stay independent.
			for _, tc := range []struct{ slug, trig, ev string }{
				{"slack", "message_received", "ev-2"},
				{"slack", "reaction_added", "ev-1"},
				{"github", "message_received", "ev-1"},
			} {
				claim, err := d.ClaimEvent(ctx, tc.slug, tc.trig, tc.ev, "exec-x", time.Hour)
				if err != nil {
					t.Fatal(err)
				}
				if !claim.Fresh {
					t.Errorf("%s/%s/%s should be fresh", tc.slug, tc.trig, tc.ev)
				}
			}
		})
	}
}

func TestClaimEventExpiry(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	d := NewSQLite(st)
	ctx := context.Background()

	if _, err := d.ClaimEvent(ctx, "stripe", "payment_succeeded", "evt_1", "exec-1", -time.Minute); err != nil {
		t.Fatal(err)
	}
	claim, err := d.ClaimEvent(ctx, "stripe", "payment_succeeded", "evt_1", "exec-2", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !claim.Fresh || claim.ExecutionID != "exec-2" {
		t.Fatalf("expired claim should be reclaimable, got %+v", claim)
	}
}

func TestRedisClaimExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	d := NewRedis(rdb)
	ctx := context.Background()

	if _, err := d.ClaimEvent(ctx, "github", "push", "d-1", "exec-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	claim, err := d.ClaimEvent(ctx, "github", "push", "d-1", "exec-2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !claim.Fresh || claim.ExecutionID != "exec-2" {
		t.Fatalf("claim after TTL = %+v", claim)
	}
}

func TestSweep(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	d := NewSQLite(st)
	ctx := context.Background()

	if _, err := d.ClaimEvent(ctx, "a", "t", "expired", "x", -time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ClaimEvent(ctx, "a", "t", "live", "y", time.Hour); err != nil {
		t.Fatal(err)
	}

	n, err := d.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	// The live claim survives the sweep.
	claim, err := d.ClaimEvent(ctx, "a", "t", "live", "z", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Fresh {
		t.Error("live claim should have survived the sweep")
	}

	// Redis sweeping is a backend no-op.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	if n, err := NewRedis(rdb).Sweep(ctx); err != nil || n != 0 {
		t.Errorf("redis sweep = %d, %v", n, err)
	}
}
