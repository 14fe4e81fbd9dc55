package ruserf

import (
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testSnapshotter(t *testing.T) (string, *LamportClock, chan Event, chan struct{}, func() (chan<- Event, *Snapshotter)) {
	td, err := os.MkdirTemp("", "serf")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(td) })

	clock := new(LamportClock)
	outCh := make(chan Event, 64)
	stopCh := make(chan struct{})
	logger := log.New(os.Stderr, "", log.LstdFlags)

	path := filepath.Join(td, "snap")
	open := func() (chan<- Event, *Snapshotter) {
		inCh, snap, err := NewSnapshotter(path, snapshotSizeLimit, false,
			logger, clock, nil, outCh, stopCh)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		return inCh, snap
	}
	return path, clock, outCh, stopCh, open
}

func TestSnapshotter(t *testing.T) {
	_, clock, outCh, stopCh, open := testSnapshotter(t)
	inCh, snap := open()

	// Write some user events
	ue := UserEvent{
		LTime: 42,
		Name:  "bar",
	}
	inCh <- ue

	// Write some queries
	q := &Query{
		LTime: 50,
		Name:  "uptime",
	}
	inCh <- q

	// Write some member events
	clock.Witness(100)
	meJoin := MemberEvent{
		Type: EventMemberJoin,
		Members: []Member{
			{
				Name: "foo",
				Addr: []byte{127, 0, 0, 1},
				Port: 5000,
			},
		},
	}
	meFail := MemberEvent{
		Type: EventMemberFailed,
		Members: []Member{
			{
				Name: "foo",
				Addr: []byte{127, 0, 0, 1},
				Port: 5000,
			},
		},
	}
	inCh <- meJoin
	inCh <- meFail
	inCh <- meJoin

	// Check these get passed through
	select {
	case e := <-outCh:
		if !reflect.DeepEqual(e, ue) {
			t.Fatalf("expected user event: %#v", e)
		}
	case <-time.After(10 * time.Millisecond):
		t.Fatalf("timeout")
	}

	select {
	case e := <-outCh:
		if !reflect.DeepEqual(e, q) {
			t.Fatalf("expected query: %#v", e)
		}
	case <-time.After(10 * time.Millisecond):
		t.Fatalf("timeout")
	}

	for i := 0; i < 3; i++ {
		select {
		case e := <-outCh:
			if _, ok := e.(MemberEvent); !ok {
				t.Fatalf("expected member event: %#v", e)
			}
		case <-time.After(10 * time.Millisecond):
			t.Fatalf("timeout")
		}
	}

	// Close the snapshotter
	close(stopCh)
	snap.Wait()

	// Open the snapshotter again
	stopCh2 := make(chan struct{})
	defer close(stopCh2)
	logger := log.New(os.Stderr, "", log.LstdFlags)
	_, snap2, err := NewSnapshotter(snap.path, snapshotSizeLimit, false,
		logger, clock, nil, outCh, stopCh2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Check the values
	if snap2.LastClock() != 100 {
		t.Fatalf("bad clock %d", snap2.LastClock())
	}
	if snap2.LastEventClock() != 42 {
		t.Fatalf("bad event clock %d", snap2.LastEventClock())
	}
	if snap2.LastQueryClock() != 50 {
		t.Fatalf("bad query clock %d", snap2.LastQueryClock())
	}

	prev := snap2.AliveNodes()
	if len(prev) != 1 {
		t.Fatalf("expected alive node: %#v", prev)
	}
	node := prev[0]
	if node.Name != "foo" {
		t.Fatalf("bad name: %#v", node)
	}
	if node.Addr != "127.0.0.1:5000" {
		t.Fatalf("bad addr: %#v", node)
	}
}

func TestSnapshotter_forceCompact(t *testing.T) {
	td, err := os.MkdirTemp("", "serf")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(td)

	clock := new(LamportClock)
	stopCh := make(chan struct{})
	logger := log.New(os.Stderr, "", log.LstdFlags)

	// Create a very small snapshot size to force a compaction
	path := filepath.Join(td, "snap")
	inCh, snap, err := NewSnapshotter(path, 1024, false,
		logger, clock, nil, nil, stopCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Write lots of user events to force a compaction
	for i := 0; i < 1024; i++ {
		ue := UserEvent{
			LTime: LamportTime(i),
		}
		inCh <- ue
	}

	// Write lots of queries to force a compaction
	for i := 1024; i < 2048; i++ {
		q := &Query{
			LTime: LamportTime(i),
		}
		inCh <- q
	}

	// Wait for drain
	for len(inCh) > 0 {
		time.Sleep(20 * time.Millisecond)
	}

	// Close the snapshotter
	close(stopCh)
	snap.Wait()

	// Open the snapshotter again
	stopCh = make(chan struct{})
	defer close(stopCh)
	_, snap, err = NewSnapshotter(path, 1024, false,
		logger, clock, nil, nil, stopCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Check the values
	if snap.LastEventClock() != 1023 {
		t.Fatalf("bad event clock %d", snap.LastEventClock())
	}
	if snap.LastQueryClock() != 2047 {
		t.Fatalf("bad query clock %d", snap.LastQueryClock())
	}
}

func TestSnapshotter_leave(t *testing.T) {
	_, clock, _, stopCh, open := testSnapshotter(t)
	inCh, snap := open()

	// Write a member event
	clock.Witness(100)
	meJoin := MemberEvent{
		Type: EventMemberJoin,
		Members: []Member{
			{
				Name: "foo",
				Addr: []byte{127, 0, 0, 1},
				Port: 5000,
			},
		},
	}
	inCh <- meJoin

	// Wait until the snapshotter has the member
	for {
		time.Sleep(10 * time.Millisecond)
		if len(snap.AliveNodes()) != 0 {
			break
		}
	}

	// Issue a leave
	snap.Leave()

	// Close the snapshotter
	close(stopCh)
	snap.Wait()

	// Open the snapshotter again
	stopCh2 := make(chan struct{})
	defer close(stopCh2)
	logger := log.New(os.Stderr, "", log.LstdFlags)
	_, snap2, err := NewSnapshotter(snap.path, snapshotSizeLimit, false,
		logger, clock, nil, nil, stopCh2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Check the values: the leave wiped the state
	if snap2.LastClock() != 0 {
		t.Fatalf("bad clock %d", snap2.LastClock())
	}
	if len(snap2.AliveNodes()) != 0 {
		t.Fatalf("expected no alive nodes: %#v", snap2.AliveNodes())
	}
}

func TestSnapshotter_leave_rejoin(t *testing.T) {
	td, err := os.MkdirTemp("", "serf")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(td)

	clock := new(LamportClock)
	stopCh := make(chan struct{})
	logger := log.New(os.Stderr, "", log.LstdFlags)

	path := filepath.Join(td, "snap")
	inCh, snap, err := NewSnapshotter(path, snapshotSizeLimit, true,
		logger, clock, nil, nil, stopCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Write a member event
	clock.Witness(100)
	meJoin := MemberEvent{
		Type: EventMemberJoin,
		Members: []Member{
			{
				Name: "foo",
				Addr: []byte{127, 0, 0, 1},
				Port: 5000,
			},
		},
	}
	inCh <- meJoin

	// Wait until the snapshotter has the member
	for {
		time.Sleep(10 * time.Millisecond)
		if len(snap.AliveNodes()) != 0 {
			break
		}
	}

	// Issue a leave
	snap.Leave()

	// Close the snapshotter
	close(stopCh)
	snap.Wait()

	// Open the snapshotter again with rejoinAfterLeave
	stopCh = make(chan struct{})
	defer close(stopCh)
	_, snap, err = NewSnapshotter(path, snapshotSizeLimit, true,
		logger, clock, nil, nil, stopCh)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// The previous leave is ignored: state is retained
	if snap.LastClock() != 100 {
		t.Fatalf("bad clock %d", snap.LastClock())
	}
	if len(snap.AliveNodes()) == 0 {
		t.Fatalf("expected alive nodes")
	}
}
