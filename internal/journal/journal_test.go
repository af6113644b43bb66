package journal

import (
	"reflect"
	"sync"
	"testing"
)

func TestJournal_EvictsOldestFirst(t *testing.T) {
	j := New[int](100)
	for i := 0; i < 250; i++ {
		j.Push(i)
	}
	snap := j.Snapshot()
	if len(snap) != 100 {
		t.Fatalf("len = %d, want 100", len(snap))
	}
	for i, v := range snap {
		if v != 150+i {
			t.Fatalf("snap[%d] = %d, want %d", i, v, 150+i)
		}
	}
	if j.Pushed() != 250 {
		t.Errorf("pushed = %d", j.Pushed())
	}
}

func TestJournal_PartialFill(t *testing.T) {
	j := New[string](3)
	j.Push("a")
	j.Push("b")
	if got := j.Snapshot(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("snapshot = %v", got)
	}
	j.Push("c")
	j.Push("d")
	if got := j.Snapshot(); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("snapshot = %v", got)
	}
}

func TestJournal_SubscribersSeeOnlyLaterItems(t *testing.T) {
	j := New[int](10)
	j.Push(1)
	ch, cancel := j.Subscribe()
	defer cancel()
	j.Push(2)
	j.Push(3)

	if got := <-ch; got != 2 {
		t.Errorf("first delivered = %d, want 2", got)
	}
	if got := <-ch; got != 3 {
		t.Errorf("second delivered = %d, want 3", got)
	}
}

func TestJournal_SlowSubscriberIsDropped(t *testing.T) {
	var droppedIDs []uint64
	j := New[int](10, WithSubscriberBuffer(2), WithDropHandler(func(id uint64) {
		droppedIDs = append(droppedIDs, id)
	}))
	slow, _ := j.Subscribe()
	fast, cancelFast := j.Subscribe()
	defer cancelFast()

	var got []int
	for i := 0; i < 5; i++ {
		j.Push(i)
		got = append(got, <-fast)
	}

	n := 0
	for range slow {
		n++
	}
	if n != 2 {
		t.Errorf("slow subscriber received %d before eviction, want 2", n)
	}
	if j.Dropped() != 1 || len(droppedIDs) != 1 || droppedIDs[0] != 0 {
		t.Errorf("dropped = %d ids=%v", j.Dropped(), droppedIDs)
	}
	if !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("fast subscriber got %v", got)
	}
}

func TestJournal_CancelIsIdempotent(t *testing.T) {
	j := New[int](4)
	ch, cancel := j.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if j.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d", j.SubscriberCount())
	}
	j.Push(1) // must not panic on closed channel
}

func TestJournal_Close(t *testing.T) {
	j := New[int](4)
	ch, cancel := j.Subscribe()
	j.Close()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	j.Push(1)
	if j.Len() != 0 {
		t.Errorf("push after close should be ignored, len = %d", j.Len())
	}
	late, _ := j.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestJournal_ConcurrentPush(t *testing.T) {
	j := New[int](100)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				j.Push(i)
			}
		}()
	}
	wg.Wait()
	if j.Len() != 100 {
		t.Errorf("len = %d", j.Len())
	}
	if j.Pushed() != 2000 {
		t.Errorf("pushed = %d", j.Pushed())
	}
}
