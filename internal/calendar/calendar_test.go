package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T, status int) (*Client, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/meetings/meet-1/attendees", r.URL.Path)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil, time.Second, zap.NewNop()), &calls
}

func TestAddAttendeeSuccess(t *testing.T) {
	c, calls := newServer(t, http.StatusCreated)
	require.NoError(t, c.AddAttendee(context.Background(), "meet-1", "buyer@example.com"))
	assert.Equal(t, 1, *calls)
}

func TestAddAttendeeConflictIsSuccess(t *testing.T) {
	c, _ := newServer(t, http.StatusConflict)
	require.NoError(t, c.AddAttendee(context.Background(), "meet-1", "buyer@example.com"))
}

func TestAddAttendeeServerErrorIsTransient(t *testing.T) {
	c, _ := newServer(t, http.StatusInternalServerError)
	err := c.AddAttendee(context.Background(), "meet-1", "buyer@example.com")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAddAttendeeClientErrorIsPermanent(t *testing.T) {
	c, _ := newServer(t, http.StatusBadRequest)
	err := c.AddAttendee(context.Background(), "meet-1", "buyer@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestAddAttendeeTransportErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, 200*time.Millisecond, zap.NewNop())
	err := c.AddAttendee(context.Background(), "meet-1", "buyer@example.com")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAddAttendeeValidatesInput(t *testing.T) {
	c, _ := newServer(t, http.StatusOK)
	assert.Error(t, c.AddAttendee(context.Background(), "", "buyer@example.com"))
	assert.Error(t, c.AddAttendee(context.Background(), "meet-1", ""))
}
