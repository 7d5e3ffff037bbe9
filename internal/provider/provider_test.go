package provider

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestStatic_UpdateReturnsAdded(t *testing.T) {
	p := NewStatic("AAPL", "TSLA")

	added := p.Update([]string{"AAPL", "MSFT", "NVDA"})
	sort.Strings(added)
	if len(added) != 2 || added[0] != "MSFT" || added[1] != "NVDA" {
		t.Errorf("Expected [MSFT NVDA], got %v", added)
	}

	set, err := p.CurrentSet(context.Background())
	if err != nil {
		t.Fatalf("CurrentSet failed: %v", err)
	}
	if _, ok := set["TSLA"]; ok {
		t.Error("Expected TSLA to be dropped by Update")
	}
	if _, ok := set["MSFT"]; !ok {
		t.Error("Expected MSFT to be present")
	}
}

type countingProvider struct {
	calls int
	set   map[string]struct{}
	err   error
}

func (c *countingProvider) CurrentSet(context.Context) (map[string]struct{}, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.set, nil
}

func TestCached_RefreshesAfterTTL(t *testing.T) {
	inner := &countingProvider{set: map[string]struct{}{"AAPL": {}}}
	c := NewCached(inner, 10*time.Second)

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.CurrentSet(context.Background()); err != nil {
			t.Fatalf("CurrentSet failed: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 upstream call within TTL, got %d", inner.calls)
	}

	now = now.Add(11 * time.Second)
	if _, err := c.CurrentSet(context.Background()); err != nil {
		t.Fatalf("CurrentSet failed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected refresh after TTL, got %d calls", inner.calls)
	}
}

func TestCached_FallsBackToStaleOnError(t *testing.T) {
	inner := &countingProvider{set: map[string]struct{}{"AAPL": {}}}
	c := NewCached(inner, time.Second)

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	if _, err := c.CurrentSet(context.Background()); err != nil {
		t.Fatalf("CurrentSet failed: %v", err)
	}

	inner.err = errors.New("upstream down")
	now = now.Add(2 * time.Second)

	set, err := c.CurrentSet(context.Background())
	if err != nil {
		t.Fatalf("Expected stale fallback, got error: %v", err)
	}
	if _, ok := set["AAPL"]; !ok {
		t.Error("Expected stale set to be served")
	}
}
