package hardware

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInbox_OverlappingSourcesPreserveOrder(t *testing.T) {
	in := NewInbox(DefaultInboxCapacity, nil)
	at := time.Unix(1700000000, 0)

	in.Push(ButtonEdge{Pressed: true, At: at})
	in.Push(TagRead{ID: "04:A2:19", At: at})

	first, ok := in.TryNext()
	if !ok {
		t.Fatal("inbox empty")
	}
	if e, ok := first.(ButtonEdge); !ok || !e.Pressed {
		t.Fatalf("first = %#v, want pressed ButtonEdge", first)
	}
	second, ok := in.TryNext()
	if !ok {
		t.Fatal("second event lost")
	}
	if e, ok := second.(TagRead); !ok || e.ID != "04:A2:19" {
		t.Fatalf("second = %#v, want TagRead", second)
	}
	if _, ok := in.TryNext(); ok {
		t.Error("unexpected third event")
	}
}

func TestInbox_ConcurrentProducersLoseNothing(t *testing.T) {
	in := NewInbox(1000, nil)
	var wg sync.WaitGroup
	for p := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				if p == 0 {
					in.Push(ButtonEdge{Pressed: i%2 == 0, At: time.Now()})
				} else {
					in.Push(TagRead{ID: "tag", At: time.Now()})
				}
			}
		}()
	}
	wg.Wait()
	if in.Len() != 200 {
		t.Errorf("Len = %d, want 200", in.Len())
	}
	if in.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", in.Dropped())
	}
}

func TestInbox_DropsOldestWhenFull(t *testing.T) {
	var evicted []string
	in := NewInbox(3, func(ev Event) { evicted = append(evicted, ev.(TagRead).ID) })
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		in.Push(TagRead{ID: id})
	}
	if in.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", in.Dropped())
	}
	if len(evicted) != 2 || evicted[0] != "a" || evicted[1] != "b" {
		t.Errorf("evicted = %v, want [a b]", evicted)
	}
	var got []string
	for {
		ev, ok := in.TryNext()
		if !ok {
			break
		}
		got = append(got, ev.(TagRead).ID)
	}
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInbox_Next(t *testing.T) {
	in := NewInbox(0, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		in.Push(TagRead{ID: "late"})
	}()
	ev, err := in.Next(t.Context())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.(TagRead).ID != "late" {
		t.Errorf("got %#v", ev)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if _, err := in.Next(ctx); err == nil {
		t.Error("Next on empty inbox returned without error")
	}
}
