package rounds

import (
	"math/big"
	"time"
)

// Status describes where a round sits in its lifecycle. It is always derived
// from the round timestamps against the current clock, never stored.
type Status string

const (
	StatusUpcoming Status = "upcoming"
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
)

// Round mirrors the on-chain registry record for a single distribution round.
type Round struct {
	ID               uint64
	StartTime        int64
	EndTime          int64
	RegistrationFee  *big.Int
	TotalDatacap     *big.Int
	ParticipantCount uint64
}

// StatusAt derives the round status for the supplied wall-clock moment.
func (r Round) StatusAt(now time.Time) Status {
	unix := now.Unix()
	switch {
	case unix < r.StartTime:
		return StatusUpcoming
	case unix > r.EndTime:
		return StatusClosed
	default:
		return StatusOpen
	}
}

// ClosedAt reports whether the round is closed at the supplied moment. Closed
// is terminal: once a round's end time has passed it never reopens.
func (r Round) ClosedAt(now time.Time) bool {
	return r.StatusAt(now) == StatusClosed
}
