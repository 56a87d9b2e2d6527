package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered checkpoint ID. IDs from later calls sort
// byte-wise after earlier ones, which is the order List and GetTuple rely on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewCheckpoint returns an empty checkpoint with a fresh ID and timestamp.
func NewCheckpoint(payload any) *Checkpoint {
	return &Checkpoint{
		V:       1,
		ID:      NewID(),
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}
}
