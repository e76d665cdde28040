package tags

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testUIDHex = "042A5C9A1B3D80"
	testKeyHex = "00112233445566778899AABBCCDDEEFF"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tags.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Tag{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func fixedClock() time.Time {
	return time.Unix(1760000000, 0)
}

func mustParseUID(t *testing.T, value string) signature.UID {
	t.Helper()
	uid, err := signature.ParseUID(value)
	if err != nil {
		t.Fatalf("invalid uid %q: %v", value, err)
	}
	return uid
}

func newSeededRegistry(t *testing.T, lastCounter uint32) (*Registry, *ReplayGuard, signature.UID) {
	t.Helper()
	db := openTestDatabase(t)
	registry, err := NewRegistry(RegistryConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	guard, err := NewReplayGuard(GuardConfig{Database: db, Clock: fixedClock, Stripes: 8})
	if err != nil {
		t.Fatalf("failed to construct guard: %v", err)
	}

	provision, err := NewProvision(testUIDHex, testKeyHex, "EverSeal Demo Watch", lastCounter)
	if err != nil {
		t.Fatalf("invalid provision: %v", err)
	}
	inserted, err := registry.Seed(context.Background(), []Provision{provision})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected one inserted tag, got %d", inserted)
	}
	return registry, guard, provision.UID
}

func lookupTag(t *testing.T, registry *Registry, uid signature.UID) Tag {
	t.Helper()
	tag, err := registry.Lookup(context.Background(), uid)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	return tag
}

func TestRegistryLookupReturnsSeededTag(t *testing.T) {
	registry, _, uid := newSeededRegistry(t, 5)

	tag := lookupTag(t, registry, uid)
	if tag.UID != testUIDHex {
		t.Fatalf("expected uid %s, got %s", testUIDHex, tag.UID)
	}
	if tag.ProductName != "EverSeal Demo Watch" {
		t.Fatalf("unexpected product name %q", tag.ProductName)
	}
	if tag.LastAcceptedCounter != 5 {
		t.Fatalf("expected last counter 5, got %d", tag.LastAcceptedCounter)
	}
	if tag.CreatedAtSeconds != fixedClock().Unix() {
		t.Fatalf("expected created timestamp %d, got %d", fixedClock().Unix(), tag.CreatedAtSeconds)
	}

	key, err := tag.Key()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected, err := signature.ParseKey(testKeyHex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != expected {
		t.Fatalf("stored key does not match provisioned key")
	}
}

func TestRegistryLookupUnknownUID(t *testing.T) {
	registry, _, _ := newSeededRegistry(t, 0)

	_, err := registry.Lookup(context.Background(), mustParseUID(t, "04FFFFFFFFFFFF"))
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("expected ErrTagNotFound, got %v", err)
	}
}

func TestRegistrySeedKeepsExistingCounter(t *testing.T) {
	registry, guard, uid := newSeededRegistry(t, 0)
	ctx := context.Background()

	decision, err := guard.TryAdvance(ctx, uid, 40)
	if err != nil || !decision.Accepted {
		t.Fatalf("expected counter 40 to be accepted, decision=%+v err=%v", decision, err)
	}

	provision, err := NewProvision(testUIDHex, testKeyHex, "Renamed", 0)
	if err != nil {
		t.Fatalf("invalid provision: %v", err)
	}
	inserted, err := registry.Seed(ctx, []Provision{provision})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected reseed to insert nothing, got %d", inserted)
	}

	tag := lookupTag(t, registry, uid)
	if tag.LastAcceptedCounter != 40 {
		t.Fatalf("expected counter 40 to survive reseed, got %d", tag.LastAcceptedCounter)
	}
	if tag.ProductName != "EverSeal Demo Watch" {
		t.Fatalf("expected original product name, got %q", tag.ProductName)
	}
}

func TestRegistryResetRemovesTags(t *testing.T) {
	registry, _, uid := newSeededRegistry(t, 0)
	if err := registry.Reset(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := registry.Lookup(context.Background(), uid); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("expected ErrTagNotFound after reset, got %v", err)
	}
}

func TestNewProvisionValidatesInput(t *testing.T) {
	testCases := []struct {
		name    string
		uid     string
		key     string
		counter uint32
	}{
		{name: "short-uid", uid: "042A", key: testKeyHex},
		{name: "bad-key", uid: testUIDHex, key: "not-a-key"},
		{name: "wide-counter", uid: testUIDHex, key: testKeyHex, counter: signature.MaxCounter + 1},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewProvision(testCase.uid, testCase.key, "product", testCase.counter); !errors.Is(err, ErrInvalidProvision) {
				t.Fatalf("expected ErrInvalidProvision, got %v", err)
			}
		})
	}
}

func TestTryAdvanceIsStrictlyMonotonic(t *testing.T) {
	registry, guard, uid := newSeededRegistry(t, 10)
	ctx := context.Background()

	testCases := []struct {
		counter  uint32
		accepted bool
		previous uint32
	}{
		{counter: 10, accepted: false, previous: 10},
		{counter: 9, accepted: false, previous: 10},
		{counter: 11, accepted: true, previous: 10},
		{counter: 11, accepted: false, previous: 11},
		{counter: 100, accepted: true, previous: 11},
		{counter: 50, accepted: false, previous: 100},
	}
	for _, testCase := range testCases {
		decision, err := guard.TryAdvance(ctx, uid, testCase.counter)
		if err != nil {
			t.Fatalf("counter %d: unexpected error: %v", testCase.counter, err)
		}
		if decision.Accepted != testCase.accepted || decision.Previous != testCase.previous {
			t.Fatalf("counter %d: expected accepted=%v previous=%d, got %+v", testCase.counter, testCase.accepted, testCase.previous, decision)
		}
	}

	if tag := lookupTag(t, registry, uid); tag.LastAcceptedCounter != 100 {
		t.Fatalf("expected last counter 100, got %d", tag.LastAcceptedCounter)
	}
}

func TestTryAdvanceUnknownTag(t *testing.T) {
	_, guard, _ := newSeededRegistry(t, 0)

	_, err := guard.TryAdvance(context.Background(), mustParseUID(t, "04FFFFFFFFFFFF"), 1)
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("expected ErrTagNotFound, got %v", err)
	}
}

func TestCommitRollsBackAdvanceWhenRecordFails(t *testing.T) {
	registry, guard, uid := newSeededRegistry(t, 3)
	ctx := context.Background()
	recordErr := errors.New("append failed")

	_, err := guard.Commit(ctx, uid, 4, func(tx *gorm.DB, decision Decision) error {
		if !decision.Accepted {
			t.Errorf("expected counter 4 to be accepted inside the transaction")
		}
		return recordErr
	})
	if !errors.Is(err, recordErr) {
		t.Fatalf("expected record error, got %v", err)
	}

	if tag := lookupTag(t, registry, uid); tag.LastAcceptedCounter != 3 {
		t.Fatalf("expected counter to roll back to 3, got %d", tag.LastAcceptedCounter)
	}
}

func TestConcurrentAdvanceAcceptsExactlyOnce(t *testing.T) {
	_, guard, uid := newSeededRegistry(t, 0)
	const contenders = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			decision, err := guard.TryAdvance(context.Background(), uid, 7)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if decision.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected exactly one accepted advance, got %d", accepted)
	}
}

func TestStripedLocksReleaseOnUnlock(t *testing.T) {
	locks := newStripedLocks(4)
	unlock := locks.lock(testUIDHex)
	unlock()
	unlock = locks.lock(testUIDHex)
	unlock()
}
