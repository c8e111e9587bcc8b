package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

func TestDispatchBotHandler_Validation(t *testing.T) {
	// Only request validation is exercised here; these paths return
	// before any dependency is touched. Full flows are covered by the
	// integration tests.
	s := &Server{}

	tests := []struct {
		name    string
		body    string
		wantErr int
		errMsg  string
	}{
		{
			name:    "unknown platform",
			body:    `{"platform": "webex", "native_meeting_id": "abc-defg-hij"}`,
			wantErr: http.StatusUnprocessableEntity,
			errMsg:  "unknown platform",
		},
		{
			name:    "missing native meeting id",
			body:    `{"platform": "google_meet"}`,
			wantErr: http.StatusUnprocessableEntity,
			errMsg:  "native_meeting_id is required",
		},
		{
			name:    "malformed body",
			body:    `{"platform": `,
			wantErr: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/bots", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.dispatchBotHandler(c)
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, tt.wantErr, he.Code)
					if tt.errMsg != "" {
						assert.Contains(t, he.Message, tt.errMsg)
					}
				}
			}
		})
	}
}

func TestReconfigureBotHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{
			name:   "empty reconfigure",
			body:   `{}`,
			errMsg: "language or task is required",
		},
		{
			name:   "bad task",
			body:   `{"task": "summarize"}`,
			errMsg: "task must be transcribe or translate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPut, "/bots/google_meet/abc-defg-hij/config", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.reconfigureBotHandler(c)
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, http.StatusUnprocessableEntity, he.Code)
					assert.Contains(t, he.Message, tt.errMsg)
				}
			}
		})
	}
}
