package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "validation error",
			err:  &registry.ValidationError{Field: "native_meeting_id", Message: "bad format"},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "wrapped not found",
			err:  fmt.Errorf("registry: meeting 7: %w", registry.ErrNotFound),
			want: http.StatusNotFound,
		},
		{
			name: "already exists",
			err:  fmt.Errorf("registry: live meeting: %w", registry.ErrAlreadyExists),
			want: http.StatusConflict,
		},
		{
			name: "concurrency limit",
			err:  &registry.ConcurrencyLimitError{UserID: 1, Limit: 1, Active: 1},
			want: http.StatusTooManyRequests,
		},
		{
			name: "invalid transition",
			err: &registry.InvalidTransitionError{
				MeetingID: 1, Current: models.StatusCompleted, Target: models.StatusCompleting,
			},
			want: http.StatusConflict,
		},
		{
			name: "unknown error",
			err:  errors.New("boom"),
			want: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			assert.Equal(t, tt.want, he.Code)
		})
	}
}
