package ruserf

import (
	"testing"

	"github.com/hashicorp/memberlist"
)

func TestBroadcast_Impl(t *testing.T) {
	var _ memberlist.Broadcast = &broadcast{}
}

func TestBroadcastFinished(t *testing.T) {
	ch := make(chan struct{})
	b := &broadcast{notify: ch}
	b.Finished()

	select {
	case <-ch:
	default:
		t.Fatalf("should have notified")
	}
}

func TestBroadcastFinished_nilNotify(t *testing.T) {
	b := &broadcast{notify: nil}
	b.Finished()
}
