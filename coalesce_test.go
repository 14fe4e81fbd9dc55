package ruserf

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func testMemberCoalescer(cPeriod, qPeriod time.Duration) (chan<- Event, <-chan Event, chan struct{}) {
	if cPeriod == 0 {
		cPeriod = 10 * time.Millisecond
	}

	if qPeriod == 0 {
		qPeriod = 5 * time.Millisecond
	}

	out := make(chan Event)
	shutdown := make(chan struct{})
	c := &memberEventCoalescer{
		lastEvents:   make(map[string]EventType),
		latestEvents: make(map[string]coalesceEvent),
	}
	in := coalescedEventCh(out, shutdown, cPeriod, qPeriod, c)
	return in, out, shutdown
}

func TestCoalescer_basic(t *testing.T) {
	in, out, shutdown := testMemberCoalescer(0, 0)
	defer close(shutdown)

	send := []Event{
		MemberEvent{
			Type:    EventMemberJoin,
			Members: []Member{{Name: "foo"}},
		},
		MemberEvent{
			Type:    EventMemberLeave,
			Members: []Member{{Name: "foo"}},
		},
		MemberEvent{
			Type:    EventMemberLeave,
			Members: []Member{{Name: "bar"}},
		},
	}

	for _, e := range send {
		in <- e
	}

	select {
	case e := <-out:
		me, ok := e.(MemberEvent)
		if !ok {
			t.Fatalf("expected member event, got: %#v", e)
		}
		if me.Type != EventMemberLeave {
			t.Fatalf("expected leave, got: %d", me.Type)
		}

		if len(me.Members) != 2 {
			t.Fatalf("should have two members: %d", len(me.Members))
		}

		expected := []string{"bar", "foo"}
		names := []string{me.Members[0].Name, me.Members[1].Name}
		sort.Strings(names)

		if !reflect.DeepEqual(expected, names) {
			t.Fatalf("bad: %#v", names)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}

func TestCoalescer_quiescent(t *testing.T) {
	// This tests the quiescence by creating a long coalescence period
	// with a short quiescent period and waiting only a multiple of the
	// quiescent period for results.
	in, out, shutdown := testMemberCoalescer(10*time.Second, 10*time.Millisecond)
	defer close(shutdown)

	send := []Event{
		MemberEvent{
			Type:    EventMemberJoin,
			Members: []Member{{Name: "foo"}},
		},
		MemberEvent{
			Type:    EventMemberLeave,
			Members: []Member{{Name: "foo"}},
		},
		MemberEvent{
			Type:    EventMemberLeave,
			Members: []Member{{Name: "bar"}},
		},
	}

	for _, e := range send {
		in <- e
	}

	select {
	case e := <-out:
		me, ok := e.(MemberEvent)
		if !ok {
			t.Fatalf("expected member event, got: %#v", e)
		}
		if me.Type != EventMemberLeave {
			t.Fatalf("expected leave, got: %d", me.Type)
		}

		if len(me.Members) != 2 {
			t.Fatalf("should have two members: %d", len(me.Members))
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}

func TestCoalescer_passThrough(t *testing.T) {
	in, out, shutdown := testMemberCoalescer(0, 0)
	defer close(shutdown)

	// Events the coalescer doesn't handle are forwarded immediately.
	in <- UserEvent{Name: "test", Payload: []byte("foo")}

	select {
	case e := <-out:
		ue, ok := e.(UserEvent)
		if !ok {
			t.Fatalf("expected user event, got: %#v", e)
		}
		if ue.Name != "test" {
			t.Fatalf("bad: %#v", ue)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}
