package imaging

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestNewAccessionNumber_Format(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	n, err := NewAccessionNumber(now, rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n) != AccessionLength {
		t.Fatalf("expected %d characters, got %q", AccessionLength, n)
	}
	if err := ValidateAccessionNumber(n); err != nil {
		t.Errorf("generated number %q fails validation: %v", n, err)
	}
	for _, r := range n {
		if !strings.ContainsRune(base36Digits, r) {
			t.Errorf("unexpected character %q in %q", r, n)
		}
	}

	later, _ := NewAccessionNumber(now.Add(time.Hour), rand.Reader)
	if n[:accessionTimeWidth] >= later[:accessionTimeWidth] {
		t.Errorf("expected time prefix to increase: %s then %s", n, later)
	}
}

func TestNewAccessionNumber_Unique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		n, err := NewAccessionNumber(now, rand.Reader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[n] {
			t.Fatalf("duplicate accession number %q after %d generations", n, i)
		}
		seen[n] = true
	}
}

func TestNewAccessionNumber_RandomFailure(t *testing.T) {
	if _, err := NewAccessionNumber(time.Now(), strings.NewReader("")); err == nil {
		t.Fatal("expected error when the random source is exhausted")
	}
}

func TestValidateAccessionNumber(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"ACC-2024-0001", false},
		{"1234567890123456", false},
		{"", true},
		{"12345678901234567", true},
		{" ACC1", true},
		{"ACC1 ", true},
		{"ACC\\1", true},
		{"ACC\t1", true},
		{"ACCé", true},
	}
	for _, tt := range tests {
		err := ValidateAccessionNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAccessionNumber(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrValidation) {
			t.Errorf("expected a validation error, got %v", err)
		}
	}
}

func TestMemoryReserver(t *testing.T) {
	r := NewMemoryReserver()
	ctx := context.Background()

	if ok, _ := r.Reserve(ctx, 1, "A1"); !ok {
		t.Fatal("expected first reservation to succeed")
	}
	if ok, _ := r.Reserve(ctx, 1, "A1"); ok {
		t.Error("expected duplicate reservation to fail")
	}
	if ok, _ := r.Reserve(ctx, 2, "A1"); !ok {
		t.Error("expected reservations to be per archive")
	}
}

func TestMemoryReserver_ClaimRelease(t *testing.T) {
	r := NewMemoryReserver()
	ctx := context.Background()

	if ok, _ := r.Reserve(ctx, 1, "A1"); !ok {
		t.Fatal("expected reservation to succeed")
	}
	if ok, _ := r.Claim(ctx, 1, "A1"); !ok {
		t.Fatal("expected a reserved number to be claimable once")
	}
	if ok, _ := r.Claim(ctx, 1, "A1"); ok {
		t.Error("expected a second claim to fail")
	}
	if err := r.Release(ctx, 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := r.Claim(ctx, 1, "A1"); !ok {
		t.Error("expected a released number to be claimable again")
	}
	if err := r.Release(ctx, 7, "never"); err != nil {
		t.Errorf("expected releasing an unknown number to be a no-op, got %v", err)
	}
}

func TestMemoryReserver_Concurrent(t *testing.T) {
	r := NewMemoryReserver()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.Reserve(context.Background(), 1, "SAME"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

type fakeSetNX struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "del")
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeSetNX) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx, "setnx", key, value)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func TestRedisReserver(t *testing.T) {
	client := &fakeSetNX{keys: make(map[string]time.Duration)}
	r := NewRedisReserver(client, 24*time.Hour)
	ctx := context.Background()

	ok, err := r.Reserve(ctx, 3, "ACC1")
	if err != nil || !ok {
		t.Fatalf("expected reservation, got %v, %v", ok, err)
	}
	if ttl, found := client.keys["imaging:accession:3:ACC1"]; !found || ttl != 24*time.Hour {
		t.Errorf("unexpected keys %v", client.keys)
	}
	if ok, _ := r.Reserve(ctx, 3, "ACC1"); ok {
		t.Error("expected second reservation to fail")
	}

	if ok, _ := r.Claim(ctx, 3, "ACC1"); !ok {
		t.Fatal("expected claim to use its own key")
	}
	if _, found := client.keys["imaging:accession-used:3:ACC1"]; !found {
		t.Errorf("unexpected keys %v", client.keys)
	}
	if ok, _ := r.Claim(ctx, 3, "ACC1"); ok {
		t.Error("expected second claim to fail")
	}
	if err := r.Release(ctx, 3, "ACC1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found := client.keys["imaging:accession-used:3:ACC1"]; found {
		t.Error("expected release to delete the claim")
	}
	if _, found := client.keys["imaging:accession:3:ACC1"]; !found {
		t.Error("expected release to keep the reservation")
	}

	client.err = errors.New("connection refused")
	if _, err := r.Reserve(ctx, 3, "ACC2"); err == nil {
		t.Error("expected redis error to surface")
	}
	if err := r.Release(ctx, 3, "ACC2"); err == nil {
		t.Error("expected redis error to surface on release")
	}
}

type exhaustedReserver struct{}

func (exhaustedReserver) Reserve(context.Context, int, string) (bool, error) { return false, nil }
func (exhaustedReserver) Claim(context.Context, int, string) (bool, error)   { return false, nil }
func (exhaustedReserver) Release(context.Context, int, string) error         { return nil }

func TestGenerateAccessionNumber(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	n, err := env.svc.GenerateAccessionNumber(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n) != AccessionLength {
		t.Errorf("unexpected number %q", n)
	}

	if _, err := env.svc.GenerateAccessionNumber(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected unknown archive to be NotFound, got %v", err)
	}

	stuck := newTestEnv(t, func(o *Options) { o.Reserver = exhaustedReserver{} })
	if _, err := stuck.svc.GenerateAccessionNumber(ctx, 1); err == nil {
		t.Error("expected failure when no number can be reserved")
	}
}
