package eventdispatch

import (
	"sync"
	"testing"
	"time"
)

type testEvent struct {
	Kind string
	N    int
}

func TestNewDispatcher(t *testing.T) {
	d := NewDispatcher[testEvent](10)

	if d == nil {
		t.Fatal("NewDispatcher returned nil")
	}
	if d.events == nil {
		t.Error("events channel should be initialized")
	}
	if d.IsClosed() {
		t.Error("dispatcher should not be closed initially")
	}
}

func TestDispatcher_Emit(t *testing.T) {
	d := NewDispatcher[testEvent](10)
	defer d.Close()

	if !d.Emit(testEvent{Kind: "session", N: 1}) {
		t.Fatal("Emit reported drop on empty buffer")
	}

	select {
	case evt := <-d.Events():
		if evt.Kind != "session" || evt.N != 1 {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	d := NewDispatcher[testEvent](10)
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Emit(testEvent{N: i})
	}
	for i := 0; i < 5; i++ {
		evt := <-d.Events()
		if evt.N != i {
			t.Errorf("event %d: got N=%d", i, evt.N)
		}
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher[testEvent](2)
	defer d.Close()

	d.Emit(testEvent{N: 1})
	d.Emit(testEvent{N: 2})
	if d.Emit(testEvent{N: 3}) {
		t.Error("Emit should report a drop when the buffer is full")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}
	if len(d.Events()) != 2 {
		t.Errorf("buffer holds %d events, want 2", len(d.Events()))
	}
}

func TestDispatcher_Close(t *testing.T) {
	d := NewDispatcher[testEvent](10)
	d.Close()

	if !d.IsClosed() {
		t.Error("dispatcher should be closed")
	}
	if _, ok := <-d.Events(); ok {
		t.Error("events channel should be closed")
	}
	if d.Emit(testEvent{}) {
		t.Error("Emit after Close should not deliver")
	}
	d.Close()
}

func TestDispatcher_ConcurrentEmitAndClose(t *testing.T) {
	d := NewDispatcher[testEvent](100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Emit(testEvent{N: i*100 + j})
			}
		}(i)
	}
	go func() {
		for range d.Events() {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	d.Close()
	wg.Wait()
}
