package connection

import (
	"testing"
	"time"
)

func TestEventQueue_FIFOAcrossGrowth(t *testing.T) {
	q := newEventQueue[int](2)

	// Wrap the ring before forcing growth
	q.Push(0)
	q.Push(1)
	if v, _ := q.Pop(); v != 0 {
		t.Fatalf("Pop = %d, want 0", v)
	}
	for i := 2; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}

	if q.Len() != 9 {
		t.Fatalf("Len = %d, want 9", q.Len())
	}
	for want := 1; want < 10; want++ {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop = %d, %v; want %d, true", got, ok, want)
		}
	}
}

func TestEventQueue_CloseDrains(t *testing.T) {
	q := newEventQueue[string](4)
	q.Push("a")
	q.Close()

	if q.Push("b") {
		t.Error("Push after Close should be rejected")
	}
	if v, ok := q.Pop(); !ok || v != "a" {
		t.Errorf("Pop = %q, %v; want a, true", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on closed empty queue should return false")
	}
}

func TestEventQueue_PopBlocksUntilPush(t *testing.T) {
	q := newEventQueue[int](1)
	got := make(chan int, 1)

	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(7)
	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Pop = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}
