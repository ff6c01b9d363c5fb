package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type echoIn struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

type echoOut struct {
	Result string `json:"result"`
}

func countingFn(calls *int, result string, fail error) func(context.Context, echoIn) (echoOut, error) {
	return func(_ context.Context, in echoIn) (echoOut, error) {
		*calls++
		if fail != nil {
			return echoOut{}, fail
		}
		return echoOut{Result: result + ":" + in.Name}, nil
	}
}

func jsonKey(in echoIn) (string, error) { return JSONArgs("echo", in) }

func TestMemoized_SecondCallHitsCache(t *testing.T) {
	store := NewMemory()
	calls := 0
	fn := Memoized(store, "echo", time.Minute, jsonKey, countingFn(&calls, "ok", nil))
	ctx := context.Background()

	first, err := fn(ctx, echoIn{Name: "a", N: 1})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := fn(ctx, echoIn{Name: "a", N: 1})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected underlying fn once, got %d", calls)
	}
	if first != second {
		t.Fatalf("cache returned different result: %+v vs %+v", first, second)
	}
}

func TestMemoized_DistinctArgsMiss(t *testing.T) {
	store := NewMemory()
	calls := 0
	fn := Memoized(store, "echo", time.Minute, jsonKey, countingFn(&calls, "ok", nil))
	ctx := context.Background()

	if _, err := fn(ctx, echoIn{Name: "a"}); err != nil {
		t.Fatalf("call a: %v", err)
	}
	if _, err := fn(ctx, echoIn{Name: "b"}); err != nil {
		t.Fatalf("call b: %v", err)
	}
	if calls != 2 {
		t.Fatalf("different args must not share entries, got %d calls", calls)
	}
}

func TestMemoized_TTLExpiryRecomputes(t *testing.T) {
	store := NewMemory()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	calls := 0
	fn := Memoized(store, "echo", time.Minute, jsonKey, countingFn(&calls, "ok", nil))
	ctx := context.Background()

	if _, err := fn(ctx, echoIn{Name: "a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := fn(ctx, echoIn{Name: "a"}); err != nil {
		t.Fatalf("within ttl: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected hit within ttl, got %d calls", calls)
	}

	now = now.Add(time.Minute)
	if _, err := fn(ctx, echoIn{Name: "a"}); err != nil {
		t.Fatalf("after ttl: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after expiry, got %d calls", calls)
	}
}

func TestMemoized_ErrorsAreNotCached(t *testing.T) {
	store := NewMemory()
	calls := 0
	boom := errors.New("upstream down")
	fn := Memoized(store, "echo", time.Minute, jsonKey, countingFn(&calls, "", boom))
	ctx := context.Background()

	if _, err := fn(ctx, echoIn{Name: "a"}); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := fn(ctx, echoIn{Name: "a"}); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error again, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("failed results must not be cached, got %d calls", calls)
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store down")
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func TestMemoized_DegradesWhenStoreFails(t *testing.T) {
	calls := 0
	fn := Memoized(brokenStore{}, "echo", time.Minute, jsonKey, countingFn(&calls, "ok", nil))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := fn(ctx, echoIn{Name: "a"})
		if err != nil {
			t.Fatalf("call %d: store failures must not surface: %v", i, err)
		}
		if out.Result != "ok:a" {
			t.Fatalf("call %d: unexpected result %+v", i, out)
		}
	}
	if calls != 2 {
		t.Fatalf("expected direct invocation both times, got %d calls", calls)
	}
}

func TestJSONArgs_DeterministicForMaps(t *testing.T) {
	// encoding/json sorts map keys, so structurally equal maps built in
	// different insertion orders derive the same key.
	a := map[string]int{"x": 1, "y": 2, "z": 3}
	b := map[string]int{"z": 3, "x": 1, "y": 2}

	ka, err := JSONArgs("op", a)
	if err != nil {
		t.Fatalf("key a: %v", err)
	}
	kb, err := JSONArgs("op", b)
	if err != nil {
		t.Fatalf("key b: %v", err)
	}
	if ka != kb {
		t.Fatalf("map insertion order changed the key: %q vs %q", ka, kb)
	}
}

func TestJSONArgs_OrderSensitiveForSequences(t *testing.T) {
	ka, err := JSONArgs("op", []string{"a", "b"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	kb, err := JSONArgs("op", []string{"b", "a"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if ka == kb {
		t.Fatalf("sequence order must affect the key")
	}
}

func TestJSONArgs_DistinguishesOperations(t *testing.T) {
	ka, _ := JSONArgs("search_web", echoIn{Name: "a"})
	kb, _ := JSONArgs("fetch_pages", echoIn{Name: "a"})
	if ka == kb {
		t.Fatalf("operation name must be part of the key")
	}
}
