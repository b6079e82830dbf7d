package bus

import (
	"testing"
)

func TestEmitDeliversInOrder(t *testing.T) {
	b := New()
	var got []int
	b.On("task:started", func(Event) { got = append(got, 1) })
	b.On("task:started", func(Event) { got = append(got, 2) })
	b.On("task:completed", func(Event) { got = append(got, 99) })

	b.Emit("task:started", nil)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("handlers ran out of order: %v", got)
	}
}

func TestEmitIsSynchronous(t *testing.T) {
	b := New()
	done := false
	b.On("x", func(Event) { done = true })
	b.Emit("x", nil)
	if !done {
		t.Fatal("Emit returned before handler completed")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New()
	var ran bool
	b.On("x", func(Event) { panic("boom") })
	b.On("x", func(Event) { ran = true })

	b.Emit("x", nil)

	if !ran {
		t.Fatal("second handler did not run after first panicked")
	}
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	b := New()
	var names []string
	b.Subscribe("client-1", func(ev Event) { names = append(names, ev.Name) })

	b.Emit("a", nil)
	b.Emit("b", 42)

	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("wildcard subscriber missed events: %v", names)
	}

	b.Unsubscribe("client-1")
	b.Emit("c", nil)
	if len(names) != 2 {
		t.Fatalf("unsubscribed handler still received events: %v", names)
	}
}

func TestPayloadPassedThrough(t *testing.T) {
	b := New()
	var got interface{}
	b.On("x", func(ev Event) { got = ev.Payload })

	payload := map[string]string{"agentId": "a1"}
	b.Emit("x", payload)

	m, ok := got.(map[string]string)
	if !ok || m["agentId"] != "a1" {
		t.Fatalf("payload mangled: %#v", got)
	}
}
