package store

import (
	"fmt"
	"strings"
)

// Status is a position in the delivery state machine.
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusSending         Status = "SENDING"
	StatusSent            Status = "SENT"
	StatusDelivered       Status = "DELIVERED"
	StatusRead            Status = "READ"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
	StatusDeadLetter      Status = "DEAD_LETTER"
	StatusCancelled       Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead,
	StatusFailedRetryable, StatusFailedPermanent, StatusDeadLetter, StatusCancelled,
}

// SuccessStatuses are the states reached once a provider accepted the message.
var SuccessStatuses = []Status{StatusSent, StatusDelivered, StatusRead}

// progress orders the success path. Failure states are outside the order.
var progress = map[Status]int{
	StatusQueued:    0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

var transitions = map[Status][]Status{
	StatusQueued:          {StatusSending, StatusCancelled, StatusSent, StatusDelivered, StatusRead},
	StatusSending:         {StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailedRetryable, StatusFailedPermanent, StatusDeadLetter},
	StatusSent:            {StatusDelivered, StatusRead, StatusDeadLetter},
	StatusDelivered:       {StatusRead},
	StatusFailedRetryable: {StatusQueued, StatusDeadLetter},
	StatusFailedPermanent: {StatusDeadLetter},
}

// ParseStatus accepts a canonical status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status: %q", s)
}

// IsTerminal reports whether no automatic transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDeadLetter || s == StatusCancelled
}

// IsSuccess reports whether the provider accepted the message.
func (s Status) IsSuccess() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// Rank returns the position on the success path, or -1 for failure states.
func (s Status) Rank() int {
	if r, ok := progress[s]; ok {
		return r
	}
	return -1
}

// CanTransitionTo reports whether the engine may move a message from s to next.
// Manual requeue out of DEAD_LETTER is an operator action and is not covered here.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists every status from which next is reachable in one step.
// Repositories use it as the predicate of forward-only conditional updates.
func Predecessors(next Status) []Status {
	var out []Status
	for _, s := range allStatuses {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
