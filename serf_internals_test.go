package ruserf

import (
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/ruserf/ruserf/testutil"
)

func TestSerf_join_pendingIntent(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	upsertIntent(s.recentIntents, &s.recentIntentQueue, c.RecentIntentBuffer, "test", messageJoinType, 5)
	n := memberlist.Node{Name: "test",
		Addr: nil,
		Meta: []byte("test"),
	}

	s.handleNodeJoin(&n)

	mem := s.members["test"]
	if mem.statusLTime != 5 {
		t.Fatalf("bad join time")
	}
	if mem.Status != StatusAlive {
		t.Fatalf("bad status")
	}
}

func TestSerf_join_pendingIntents(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	upsertIntent(s.recentIntents, &s.recentIntentQueue, c.RecentIntentBuffer, "test", messageJoinType, 5)
	upsertIntent(s.recentIntents, &s.recentIntentQueue, c.RecentIntentBuffer, "test", messageLeaveType, 6)
	n := memberlist.Node{Name: "test",
		Addr: nil,
		Meta: []byte("test"),
	}

	s.handleNodeJoin(&n)

	mem := s.members["test"]
	if mem.statusLTime != 6 {
		t.Fatalf("bad join time")
	}
	if mem.Status != StatusLeaving {
		t.Fatalf("bad status")
	}
}

func TestSerf_leaveIntent_bufferEarly(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	// Deliver a leave intent message early
	j := messageLeave{LTime: 10, Node: "test"}
	if !s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should not rebroadcast")
	}

	// Check that we buffered
	if leave, ok := recentIntent(s.recentIntents, "test", messageLeaveType); !ok || leave != 10 {
		t.Fatalf("bad buffer")
	}
}

func TestSerf_leaveIntent_oldMessage(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		Member: Member{
			Status: StatusAlive,
		},
		statusLTime: 12,
	}

	j := messageLeave{LTime: 10, Node: "test"}
	if s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should not rebroadcast")
	}

	if _, ok := recentIntent(s.recentIntents, "test", messageLeaveType); ok {
		t.Fatalf("should not have buffered intent")
	}
}

func TestSerf_leaveIntent_equalTimeIsStale(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		Member: Member{
			Status: StatusAlive,
		},
		statusLTime: 12,
	}

	// Equal Lamport time must lose the tie-break, on every node alike.
	j := messageLeave{LTime: 12, Node: "test"}
	if s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should not rebroadcast")
	}
	if s.members["test"].Status != StatusAlive {
		t.Fatalf("status should not change")
	}
}

func TestSerf_leaveIntent_newer(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		Member: Member{
			Status: StatusAlive,
		},
		statusLTime: 12,
	}

	j := messageLeave{LTime: 14, Node: "test"}
	if !s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should rebroadcast")
	}

	if _, ok := recentIntent(s.recentIntents, "test", messageLeaveType); ok {
		t.Fatalf("should not have buffered intent")
	}

	if s.members["test"].Status != StatusLeaving {
		t.Fatalf("should update status")
	}

	if s.clock.Time() != 15 {
		t.Fatalf("should update clock")
	}
}

func TestSerf_leaveIntent_whileFailed(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	eventCh := make(chan Event, 4)
	c := testConfig(t, ip1)
	c.EventCh = eventCh
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	failed := &memberState{
		Member: Member{
			Name:   "test",
			Status: StatusFailed,
		},
		statusLTime: 12,
	}
	s.members["test"] = failed
	s.failedMembers = append(s.failedMembers, failed)

	// A fresher leave on a failed node moves it directly to left.
	j := messageLeave{LTime: 14, Node: "test"}
	if !s.handleNodeLeaveIntent(&j) {
		t.Fatalf("should rebroadcast")
	}

	if s.members["test"].Status != StatusLeft {
		t.Fatalf("should move to left: %v", s.members["test"].Status)
	}
	if len(s.failedMembers) != 0 {
		t.Fatalf("should remove from failed list")
	}
	if len(s.leftMembers) != 1 {
		t.Fatalf("should add to left list")
	}

	testEvents(t, eventCh, "test", []EventType{EventMemberLeave})
}

func TestSerf_joinIntent_bufferEarly(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	// Deliver a join intent message early
	j := messageJoin{LTime: 10, Node: "test"}
	if !s.handleNodeJoinIntent(&j) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleNodeJoinIntent(&j) {
		t.Fatalf("should not rebroadcast")
	}

	// Check that we buffered
	if join, ok := recentIntent(s.recentIntents, "test", messageJoinType); !ok || join != 10 {
		t.Fatalf("bad buffer")
	}
}

func TestSerf_joinIntent_oldMessage(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		statusLTime: 12,
	}

	j := messageJoin{LTime: 10, Node: "test"}
	if s.handleNodeJoinIntent(&j) {
		t.Fatalf("should not rebroadcast")
	}

	// Check that we didn't buffer anything
	if _, ok := recentIntent(s.recentIntents, "test", messageJoinType); ok {
		t.Fatalf("should not have buffered intent")
	}
}

func TestSerf_joinIntent_newer(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		statusLTime: 12,
	}

	// Deliver a join intent message early
	j := messageJoin{LTime: 14, Node: "test"}
	if !s.handleNodeJoinIntent(&j) {
		t.Fatalf("should rebroadcast")
	}

	if _, ok := recentIntent(s.recentIntents, "test", messageJoinType); ok {
		t.Fatalf("should not have buffered intent")
	}

	if s.members["test"].statusLTime != 14 {
		t.Fatalf("should update join time")
	}

	if s.clock.Time() != 15 {
		t.Fatalf("should update clock")
	}
}

func TestSerf_joinIntent_resetLeaving(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["test"] = &memberState{
		Member: Member{
			Status: StatusLeaving,
		},
		statusLTime: 12,
	}

	j := messageJoin{LTime: 14, Node: "test"}
	if !s.handleNodeJoinIntent(&j) {
		t.Fatalf("should rebroadcast")
	}

	if _, ok := recentIntent(s.recentIntents, "test", messageJoinType); ok {
		t.Fatalf("should not have buffered intent")
	}

	if s.members["test"].statusLTime != 14 {
		t.Fatalf("should update join time")
	}
	if s.members["test"].Status != StatusAlive {
		t.Fatalf("should update status")
	}

	if s.clock.Time() != 15 {
		t.Fatalf("should update clock")
	}
}

// TestSerf_intentOrdering_deterministic checks that the final state for a
// node is the same regardless of the order the intents are observed in.
func TestSerf_intentOrdering_deterministic(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	intents := []struct {
		leave bool
		ltime LamportTime
	}{
		{true, 5},
		{false, 7},
		{true, 2},
		{false, 3},
	}

	// All permutations of the four intents above should produce the
	// same final state: the ltime-7 join wins.
	permute := func(order []int) (MemberStatus, LamportTime) {
		c := testConfig(t, ip1)
		s, err := Create(c)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		defer s.Shutdown()

		s.members["test"] = &memberState{
			Member: Member{
				Name:   "test",
				Status: StatusAlive,
			},
			statusLTime: 1,
		}

		for _, i := range order {
			in := intents[i]
			if in.leave {
				s.handleNodeLeaveIntent(&messageLeave{LTime: in.ltime, Node: "test"})
			} else {
				s.handleNodeJoinIntent(&messageJoin{LTime: in.ltime, Node: "test"})
			}
		}
		m := s.members["test"]
		return m.Status, m.statusLTime
	}

	wantStatus, wantLTime := permute([]int{0, 1, 2, 3})
	if wantStatus != StatusAlive || wantLTime != 7 {
		t.Fatalf("bad baseline: %v %d", wantStatus, wantLTime)
	}

	orders := [][]int{
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
		{0, 2, 1, 3},
	}
	for _, order := range orders {
		status, ltime := permute(order)
		if status != wantStatus || ltime != wantLTime {
			t.Fatalf("order %v diverged: %v %d", order, status, ltime)
		}
	}
}

func TestSerf_recentIntents_bounded(t *testing.T) {
	intents := make(map[string]nodeIntent)
	var queue []string

	for i := 0; i < 300; i++ {
		node := "node-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
		upsertIntent(intents, &queue, 128, node, messageJoinType, LamportTime(i+1))
	}

	if len(intents) > 128 {
		t.Fatalf("intent buffer exceeded cap: %d", len(intents))
	}
}

func TestSerf_userEvent_oldMessage(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	// increase the ltime artificially
	s.eventClock.Witness(LamportTime(c.EventBuffer + 1000))

	msg := messageUserEvent{
		LTime:   1,
		Name:    "old",
		Payload: nil,
	}
	if s.handleUserEvent(&msg) {
		t.Fatalf("should not rebroadcast")
	}
}

func TestSerf_userEvent_idempotent(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	eventCh := make(chan Event, 4)
	c := testConfig(t, ip1)
	c.EventCh = eventCh
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	// Deliver the same message twice; the second must be dropped and the
	// user sees exactly one event.
	msg := messageUserEvent{
		LTime:   1,
		Name:    "deploy",
		Payload: []byte("v1"),
	}
	if !s.handleUserEvent(&msg) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleUserEvent(&msg) {
		t.Fatalf("should not rebroadcast")
	}

	testUserEvents(t, eventCh,
		[]string{"deploy"},
		[][]byte{[]byte("v1")})
}

func TestSerf_userEvent_sameClock(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	eventCh := make(chan Event, 4)
	c := testConfig(t, ip1)
	c.EventCh = eventCh
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	msg := messageUserEvent{
		LTime:   1,
		Name:    "first",
		Payload: []byte("test"),
	}
	if !s.handleUserEvent(&msg) {
		t.Fatalf("should rebroadcast")
	}
	msg = messageUserEvent{
		LTime:   1,
		Name:    "first",
		Payload: []byte("newpayload"),
	}
	if !s.handleUserEvent(&msg) {
		t.Fatalf("should rebroadcast")
	}
	msg = messageUserEvent{
		LTime:   1,
		Name:    "second",
		Payload: []byte("other"),
	}
	if !s.handleUserEvent(&msg) {
		t.Fatalf("should rebroadcast")
	}

	testUserEvents(t, eventCh,
		[]string{"first", "first", "second"},
		[][]byte{[]byte("test"), []byte("newpayload"), []byte("other")})
}

func TestSerf_query_oldMessage(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	// increase the ltime artificially
	s.queryClock.Witness(LamportTime(c.QueryBuffer + 1000))

	msg := messageQuery{
		LTime:   1,
		Name:    "old",
		Payload: nil,
	}
	if s.handleQuery(&msg) {
		t.Fatalf("should not rebroadcast")
	}
}

func TestSerf_query_sameClock(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	eventCh := make(chan Event, 4)
	c := testConfig(t, ip1)
	c.EventCh = eventCh
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	msg := messageQuery{
		LTime:   1,
		ID:      1,
		Name:    "foo",
		Payload: []byte("test"),
	}
	if !s.handleQuery(&msg) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleQuery(&msg) {
		t.Fatalf("should not rebroadcast")
	}
	msg = messageQuery{
		LTime:   1,
		ID:      2,
		Name:    "bar",
		Payload: []byte("newpayload"),
	}
	if !s.handleQuery(&msg) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleQuery(&msg) {
		t.Fatalf("should not rebroadcast")
	}
	msg = messageQuery{
		LTime:   1,
		ID:      3,
		Name:    "baz",
		Payload: []byte("other"),
	}
	if !s.handleQuery(&msg) {
		t.Fatalf("should rebroadcast")
	}
	if s.handleQuery(&msg) {
		t.Fatalf("should not rebroadcast")
	}

	testQueryEvents(t, eventCh,
		[]string{"foo", "bar", "baz"},
		[][]byte{[]byte("test"), []byte("newpayload"), []byte("other")})
}

func TestSerf_query_noBroadcast(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	msg := messageQuery{
		LTime: 1,
		ID:    1,
		Name:  "quiet",
		Flags: queryFlagNoBroadcast,
	}
	if s.handleQuery(&msg) {
		t.Fatalf("should not rebroadcast")
	}
}

// TestSerf_staleLeaveRejected verifies the intent freshness policy: once a
// fresher join has been observed, replaying an older leave has no effect.
func TestSerf_staleLeaveRejected(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()

	c := testConfig(t, ip1)
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.members["a"] = &memberState{
		Member: Member{
			Name:   "a",
			Status: StatusAlive,
		},
		statusLTime: 1,
	}
	numBefore := len(s.Members())

	if !s.handleNodeLeaveIntent(&messageLeave{LTime: 5, Node: "a"}) {
		t.Fatalf("should rebroadcast")
	}
	if !s.handleNodeJoinIntent(&messageJoin{LTime: 7, Node: "a"}) {
		t.Fatalf("should rebroadcast")
	}

	m := s.members["a"]
	if m.Status != StatusAlive || m.statusLTime != 7 {
		t.Fatalf("bad state: %v %d", m.Status, m.statusLTime)
	}

	// Re-deliver the stale leave
	if s.handleNodeLeaveIntent(&messageLeave{LTime: 5, Node: "a"}) {
		t.Fatalf("should not rebroadcast")
	}
	m = s.members["a"]
	if m.Status != StatusAlive || m.statusLTime != 7 {
		t.Fatalf("bad state: %v %d", m.Status, m.statusLTime)
	}
	if len(s.Members()) != numBefore {
		t.Fatalf("member count changed")
	}
}
