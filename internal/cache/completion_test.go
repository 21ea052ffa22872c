package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

func entry(runID string) *Entry {
	return &Entry{
		Message: models.Message{Role: models.RoleAssistant, Content: "cached"},
		RunID:   runID,
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	now := time.Now()

	c.PutAt("k", entry("run-1"), now)
	got, ok := c.GetAt("k", now.Add(30*time.Second))
	if !ok || got.RunID != "run-1" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestCacheExpires(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	now := time.Now()

	c.PutAt("k", entry("run-1"), now)
	if _, ok := c.GetAt("k", now.Add(time.Minute)); ok {
		t.Error("expired entry returned")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d", c.Size())
	}
}

func TestCacheEvictsOldestOverCapacity(t *testing.T) {
	c := New(Options{TTL: time.Hour, MaxSize: 2})
	now := time.Now()

	for i := 0; i < 3; i++ {
		c.PutAt(fmt.Sprintf("k%d", i), entry(fmt.Sprintf("run-%d", i)), now.Add(time.Duration(i)*time.Second))
	}
	if c.Size() != 2 {
		t.Fatalf("size = %d", c.Size())
	}
	if _, ok := c.GetAt("k0", now.Add(3*time.Second)); ok {
		t.Error("oldest entry should be evicted")
	}
	if _, ok := c.GetAt("k2", now.Add(3*time.Second)); !ok {
		t.Error("newest entry should remain")
	}
}

func TestCacheIgnoresEmptyKey(t *testing.T) {
	c := New(Options{})
	c.Put("", entry("run-1"))
	if c.Size() != 0 {
		t.Errorf("size = %d", c.Size())
	}
	if _, ok := c.Get(""); ok {
		t.Error("empty key should miss")
	}
}
