package voicestyle

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_InvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeStyle(t, dir, "M1.json")
	other := writeStyle(t, dir, "F1.json")

	c, _ := NewCache(4, nil)
	c.Get(p)
	c.Get(other)

	w, err := NewWatcher(c, nil, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := os.WriteFile(p, []byte(styleJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.Contains(p) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Contains(p) {
		t.Error("modified style should be invalidated")
	}
	if !c.Contains(other) {
		t.Error("untouched style should stay cached")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	c, _ := NewCache(1, nil)
	if _, err := NewWatcher(c, nil, "/definitely/not/here"); err == nil {
		t.Error("expected error for missing dir")
	}
}
