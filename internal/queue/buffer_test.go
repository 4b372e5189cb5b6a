package queue

import (
	"sync"
	"testing"
	"time"
)

func TestBuffer_FIFOAcrossGrowth(t *testing.T) {
	buf := New[int](2)
	// Wrap the ring before it grows
	buf.Push(-1)
	if v, _ := buf.TryPop(); v != -1 {
		t.Fatalf("TryPop() = %d, want -1", v)
	}
	for i := 0; i < 100; i++ {
		if !buf.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	stats := buf.Stats()
	if stats.Queued != 100 || stats.Capacity < 100 || stats.Grown == 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	for i := 0; i < 100; i++ {
		v, ok := buf.TryPop()
		if !ok || v != i {
			t.Fatalf("TryPop() = %d, %v; want %d", v, ok, i)
		}
	}
	if _, ok := buf.TryPop(); ok {
		t.Error("TryPop() on empty buffer returned true")
	}
}

func TestBuffer_PopBlocksUntilPush(t *testing.T) {
	buf := New[string](1)
	got := make(chan string, 1)
	go func() {
		v, _ := buf.Pop()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}
	buf.Push("deal")
	select {
	case v := <-got:
		if v != "deal" {
			t.Errorf("Pop() = %q, want deal", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestBuffer_CloseDrainsThenStops(t *testing.T) {
	buf := New[int](4)
	buf.Push(1)
	buf.Push(2)
	buf.Close()

	if buf.Push(3) {
		t.Error("Push after Close returned true")
	}
	for _, want := range []int{1, 2} {
		if v, ok := buf.Pop(); !ok || v != want {
			t.Fatalf("Pop() = %d, %v; want %d", v, ok, want)
		}
	}
	if _, ok := buf.Pop(); ok {
		t.Error("Pop on closed empty buffer returned true")
	}
	if !buf.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestBuffer_CloseWakesBlockedReaders(t *testing.T) {
	buf := New[int](1)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf.Pop()
		}()
	}
	time.Sleep(10 * time.Millisecond)
	buf.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked readers")
	}
}

func TestBuffer_ConcurrentProducers(t *testing.T) {
	buf := New[int](1)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				buf.Push(i)
			}
		}()
	}
	wg.Wait()

	if buf.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", buf.Len())
	}
	stats := buf.Stats()
	if stats.Pushed != 1000 || stats.Popped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
