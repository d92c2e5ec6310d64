package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/gedebridge/gedebridge/pkg/storage/storagemock"
	"github.com/gedebridge/gedebridge/pkg/types"
)

func TestAuthMiddleware(t *testing.T) {
	mockDB := &storagemock.MockDatabase{}
	mockDB.On("GetOrderHistory", mock.Anything, mock.Anything, mock.Anything).Return([]types.OrderRecord{}, nil)

	srv := newTestServer(&mockExecutor{}, mockDB)
	srv.allowedEmails = []string{"operator@example.com"}
	srv.verifier = func(ctx context.Context, raw string) (identity, error) {
		switch raw {
		case "valid-token":
			return identity{Email: "operator@example.com", Subject: "1"}, nil
		case "other-token":
			return identity{Email: "someone@example.com", Subject: "2"}, nil
		}
		return identity{}, assert.AnError
	}
	h := srv.setupHandler()

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"Missing Header", "", http.StatusUnauthorized},
		{"Not Bearer", "Basic abc", http.StatusBadRequest},
		{"Invalid Token", "Bearer bogus", http.StatusUnauthorized},
		{"Email Not Allowed", "Bearer other-token", http.StatusForbidden},
		{"Valid Token", "Bearer valid-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/history/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	// only the allowed call reached storage
	mockDB.AssertNumberOfCalls(t, "GetOrderHistory", 1)
}

func TestEmailAllowed(t *testing.T) {
	srv := &Server{}
	assert.True(t, srv.emailAllowed("anyone@example.com"))

	srv.allowedEmails = []string{"a@example.com", "b@example.com"}
	assert.True(t, srv.emailAllowed("b@example.com"))
	assert.False(t, srv.emailAllowed("c@example.com"))
	assert.False(t, srv.emailAllowed(""))
}
