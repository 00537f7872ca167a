package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	if err := s.SetOnline(ctx, "u1", "c1"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	rec, ok, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get: record absent after SetOnline")
	}
	if rec.ConnID != "c1" {
		t.Errorf("ConnID = %q, want %q", rec.ConnID, "c1")
	}
}

func TestMemoryStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	s.SetOnline(ctx, "u1", "c1")
	s.SetOnline(ctx, "u1", "c2")

	rec, ok, _ := s.Get(ctx, "u1")
	if !ok {
		t.Fatal("record absent")
	}
	if rec.ConnID != "c2" {
		t.Errorf("ConnID = %q, want %q (last writer wins)", rec.ConnID, "c2")
	}
}

func TestMemoryStoreSetOfflineIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	// Deleting an absent record is a no-op.
	if err := s.SetOffline(ctx, "u1"); err != nil {
		t.Fatalf("SetOffline absent: %v", err)
	}

	s.SetOnline(ctx, "u1", "c1")
	if err := s.SetOffline(ctx, "u1"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "u1"); ok {
		t.Error("record present after SetOffline")
	}

	// And again, after it is already gone.
	if err := s.SetOffline(ctx, "u1"); err != nil {
		t.Fatalf("SetOffline twice: %v", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.SetOnline(ctx, "u1", "c1")

	// Within the TTL the record is fresh.
	now = now.Add(59 * time.Minute)
	if _, ok, _ := s.Get(ctx, "u1"); !ok {
		t.Error("record absent within TTL")
	}

	// Past the TTL the record reads as absent.
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "u1"); ok {
		t.Error("record present past TTL")
	}

	// A refresh extends the deadline.
	s.SetOnline(ctx, "u1", "c1")
	now = now.Add(30 * time.Minute)
	if _, ok, _ := s.Get(ctx, "u1"); !ok {
		t.Error("record absent after refresh")
	}
}

func TestMemoryStoreUsersIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	s.SetOnline(ctx, "u1", "c1")
	s.SetOnline(ctx, "u2", "c2")
	s.SetOffline(ctx, "u1")

	if _, ok, _ := s.Get(ctx, "u1"); ok {
		t.Error("u1 present after SetOffline")
	}
	rec, ok, _ := s.Get(ctx, "u2")
	if !ok || rec.ConnID != "c2" {
		t.Errorf("u2 = (%v, %v), want (c2, true)", rec.ConnID, ok)
	}
}

func TestKey(t *testing.T) {
	if got, want := Key("u1"), "user:u1:online"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}
