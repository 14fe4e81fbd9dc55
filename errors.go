package ruserf

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the public API. The text is stable and
// operator-facing; tooling matches on it.
var (
	// ErrQueryTimeout is returned when Respond is called on a query whose
	// deadline has already passed.
	ErrQueryTimeout = errors.New("ruserf: query response is past the deadline")

	// ErrQueryAlreadyResponded is returned on a second call to Respond for
	// the same query. Responses are at-most-once.
	ErrQueryAlreadyResponded = errors.New("ruserf: query response already sent")

	// ErrQueryResponseDeliveryFailed is returned when a received response
	// is dropped because the query's response channel is full.
	ErrQueryResponseDeliveryFailed = errors.New("ruserf: failed to deliver query response, dropping")

	// ErrRemovalBroadcastTimeout is returned when a forced removal could not
	// be broadcast before the configured timeout.
	ErrRemovalBroadcastTimeout = errors.New("ruserf: timed out broadcasting node removal")

	// ErrBroadcastChannelClosed is returned when a broadcast notification
	// channel is closed by shutdown before the broadcast finished.
	ErrBroadcastChannelClosed = errors.New("ruserf: broadcast channel closed")

	// ErrCoordinatesDisabled is returned by the coordinate accessors when
	// Config.DisableCoordinates is set.
	ErrCoordinatesDisabled = errors.New("ruserf: coordinates are disabled")

	// ErrFailTruncateResponse is returned when a key listing cannot be made
	// to fit the query response size limit.
	ErrFailTruncateResponse = errors.New("ruserf: failed to truncate response so that it fits into message")
)

func errUserEventLimitTooLarge(limit int) error {
	return fmt.Errorf("ruserf: user event exceeds configured limit of %d bytes before encoding", limit)
}

func errRawUserEventTooLarge(limit int) error {
	return fmt.Errorf("ruserf: user event exceeds sane limit of %d bytes after encoding", limit)
}

func errQueryTooLarge(limit int) error {
	return fmt.Errorf("ruserf: query exceeds limit of %d bytes", limit)
}

func errQueryResponseTooLarge(limit, got int) error {
	return fmt.Errorf("ruserf: query response (%d bytes) exceeds limit of %d bytes", got, limit)
}

func errRelayedResponseTooLarge(limit int) error {
	return fmt.Errorf("ruserf: relayed response exceeds limit of %d bytes", limit)
}

func errTagsTooLarge(limit int) error {
	return fmt.Errorf("ruserf: encoded length of tags exceeds limit of %d bytes", limit)
}

func errBadLeaveStatus(state SerfState) error {
	return fmt.Errorf("ruserf: leave called on %s status", state)
}

func errBadJoinStatus(state SerfState) error {
	return fmt.Errorf("ruserf: join called on %s status", state)
}

// JoinError is returned when a join partially or totally fails. The call
// counts as successful if at least one peer joined; callers inspect the
// per-peer errors for the rest.
type JoinError struct {
	// Joined holds the addresses that were successfully contacted.
	Joined []string

	// Errors maps each failed address to its error.
	Errors map[string]error

	// BroadcastError is set if the join succeeded but the join intent
	// could not be broadcast afterwards.
	BroadcastError error
}

func (e *JoinError) Error() string {
	var buf strings.Builder
	buf.WriteString("ruserf: join failed:")
	if len(e.Joined) > 0 {
		fmt.Fprintf(&buf, "\nSuccesses: %v", e.Joined)
	}
	if len(e.Errors) > 0 {
		buf.WriteString("\nFailures:")
		for addr, err := range e.Errors {
			fmt.Fprintf(&buf, "\n\t%s: %v", addr, err)
		}
	}
	if e.BroadcastError != nil {
		fmt.Fprintf(&buf, "\nBroadcast Error: %v", e.BroadcastError)
	}
	return buf.String()
}

// NumJoined returns how many peers were successfully contacted.
func (e *JoinError) NumJoined() int {
	return len(e.Joined)
}
