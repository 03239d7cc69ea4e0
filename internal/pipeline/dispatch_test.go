package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher("test", 2, testLogger())

	release := make(chan struct{})
	started := make(chan struct{})
	if !d.Submit(func() { close(started); <-release }) {
		t.Fatal("first submit rejected")
	}
	<-started

	// worker is busy, two slots remain
	for i := range 2 {
		if !d.Submit(func() {}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if d.Submit(func() {}) {
		t.Error("expected submit to a full queue to fail")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}

	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Submit(func() {}) {
		t.Error("submit after close accepted")
	}
}

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher("order", 64, testLogger())
	var got []int
	for i := range 50 {
		d.Submit(func() { got = append(got, i) })
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestDispatcherCloseTimeout(t *testing.T) {
	d := NewDispatcher("slow", 1, testLogger())
	block := make(chan struct{})
	defer close(block)
	d.Submit(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want deadline exceeded", err)
	}
}
