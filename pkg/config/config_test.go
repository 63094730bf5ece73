package config

import (
	"testing"
	"time"

	"github.com/espressif/esp-now-sub000/pkg/wire"
)

func TestTableDefaultsEnabledNoHandler(t *testing.T) {
	tbl := NewTable()
	if !tbl.Enabled(wire.TypeData) {
		t.Fatal("types should default to enabled")
	}
	if tbl.HandlerFor(wire.TypeData) != nil {
		t.Fatal("no handler should be bound by default")
	}
}

func TestTableDispatchCallsBoundHandler(t *testing.T) {
	tbl := NewTable()
	var gotSrc [6]byte
	var gotPayload []byte
	tbl.SetConfigForDataType(wire.TypeData, true, func(src [6]byte, payload []byte, secure bool) {
		gotSrc = src
		gotPayload = payload
	})

	tbl.Dispatch(wire.TypeData, [6]byte{1, 2, 3, 4, 5, 6}, []byte("hi"), false)
	if gotSrc != [6]byte{1, 2, 3, 4, 5, 6} || string(gotPayload) != "hi" {
		t.Fatalf("handler did not receive expected args: src=%v payload=%q", gotSrc, gotPayload)
	}
}

func TestTableDispatchSkipsDisabledType(t *testing.T) {
	tbl := NewTable()
	called := false
	tbl.SetConfigForDataType(wire.TypeData, false, func([6]byte, []byte, bool) { called = true })
	tbl.Dispatch(wire.TypeData, [6]byte{}, nil, false)
	if called {
		t.Fatal("disabled type must not invoke its handler")
	}
}

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Post(Event{Kind: EventOTAFinish})

	select {
	case ev := <-a:
		if ev.Kind != EventOTAFinish {
			t.Fatalf("subscriber a got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the event")
	}
	select {
	case ev := <-b:
		if ev.Kind != EventOTAFinish {
			t.Fatalf("subscriber b got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the event")
	}
}

func TestBusPostDropsOnFullSubscriberRatherThanBlock(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(0) // unbuffered, nobody reading
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		bus.Post(Event{Kind: EventLogFlashFull, Size: 4096})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post must not block when a subscriber's channel is full")
	}
}
