package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchTicketRoundTrip(t *testing.T) {
	iss := NewIssuer("secret123", "coach", time.Hour)
	tk, exp, err := iss.IssueWatchTicket("sess-1", "user-1", time.Minute)
	require.NoError(t, err)

	got, err := iss.VerifyWatchTicket(tk, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, exp.Equal(got.ExpiresAt))
}

func TestWatchTicketAcceptsDottedIDs(t *testing.T) {
	iss := NewIssuer("secret123", "coach", time.Hour)
	tk, _, err := iss.IssueWatchTicket("sess.with.dots", "jane.doe@example.com", time.Minute)
	require.NoError(t, err)

	got, err := iss.VerifyWatchTicket(tk, "sess.with.dots")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", got.UserID)
}

func TestWatchTicketRejects(t *testing.T) {
	iss := NewIssuer("secret123", "coach", time.Hour)
	tk, _, err := iss.IssueWatchTicket("sess-1", "user-1", time.Minute)
	require.NoError(t, err)

	_, err = NewIssuer("other", "coach", time.Hour).VerifyWatchTicket(tk, "sess-1")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = iss.VerifyWatchTicket(tk, "sess-2")
	assert.ErrorIs(t, err, ErrTicketSession)

	later := NewIssuer("secret123", "coach", time.Hour)
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = later.VerifyWatchTicket(tk, "sess-1")
	assert.ErrorIs(t, err, ErrTicketExpired)

	_, err = iss.VerifyWatchTicket("!!!", "sess-1")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	bearer, err := iss.Issue("user-1", false)
	require.NoError(t, err)
	_, err = iss.VerifyWatchTicket(bearer, "sess-1")
	assert.Error(t, err)
}
