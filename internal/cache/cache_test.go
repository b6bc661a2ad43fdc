package cache

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestGetSetExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New[int](time.Minute, clock)

	c.Set("k", 42)
	if v, ok := c.Get("k"); !ok || v != 42 {
		t.Fatalf("Get() = (%d, %v), want (42, true)", v, ok)
	}

	clock.Advance(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}

	clock.Advance(31 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Error("expired entry not evicted on read")
	}
}

func TestSetTTLOverridesDefault(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New[string](time.Minute, clock)

	c.SetTTL("short", "v", time.Second)
	clock.Advance(2 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Fatal("explicit TTL not honored")
	}
}

func TestGetOrCompute(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New[int](time.Minute, clock)

	computes := 0
	compute := func() (int, error) {
		computes++
		return 7, nil
	}

	for i := 0; i < 3; i++ {
		if v, err := c.GetOrCompute("k", compute); err != nil || v != 7 {
			t.Fatalf("GetOrCompute() = (%d, %v)", v, err)
		}
	}
	if computes != 1 {
		t.Errorf("compute ran %d times, want 1", computes)
	}

	clock.Advance(2 * time.Minute)
	if _, err := c.GetOrCompute("k", compute); err != nil {
		t.Fatal(err)
	}
	if computes != 2 {
		t.Errorf("compute ran %d times after expiry, want 2", computes)
	}
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := New[int](time.Minute, &fakeClock{t: time.Now()})

	calls := 0
	failing := func() (int, error) {
		calls++
		return 0, fmt.Errorf("upstream down")
	}

	if _, err := c.GetOrCompute("k", failing); err == nil {
		t.Fatal("error swallowed")
	}
	if _, err := c.GetOrCompute("k", failing); err == nil {
		t.Fatal("error cached as a value")
	}
	if calls != 2 {
		t.Errorf("compute ran %d times, want 2 (errors never cached)", calls)
	}
}

func TestInvalidate(t *testing.T) {
	c := New[int](time.Minute, &fakeClock{t: time.Now()})
	c.Set("k", 1)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry survived Invalidate")
	}
}
