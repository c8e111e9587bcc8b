package registry

import (
	"errors"
	"fmt"

	"github.com/vexa-ai/vexa/pkg/models"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError reports a malformed field in a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ConcurrencyLimitError is returned when a user is at max_concurrent_bots.
type ConcurrencyLimitError struct {
	UserID int64
	Limit  int
	Active int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("user %d at concurrency limit (%d active, max %d)", e.UserID, e.Active, e.Limit)
}

// InvalidTransitionError is returned when a conditional status update
// finds the meeting in a state outside the allowed from-set.
type InvalidTransitionError struct {
	MeetingID int64
	Current   models.MeetingStatus
	Target    models.MeetingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("meeting %d: cannot transition %s -> %s", e.MeetingID, e.Current, e.Target)
}
