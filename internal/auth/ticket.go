package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Watch tickets let a websocket client that cannot set headers open the
// status stream for a single session. A ticket is an HS256 token whose
// audience is the session, whose subject is the user, and whose typ claim
// keeps it from being accepted as a bearer token.

const ticketType = "watch"

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrTicketExpired = errors.New("ticket expired")
	ErrTicketSession = errors.New("ticket session mismatch")
)

// Ticket is the verified content of a watch ticket.
type Ticket struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
}

// IssueWatchTicket signs a ticket for userID on sessionID valid for ttl.
func (i *Issuer) IssueWatchTicket(sessionID, userID string, ttl time.Duration) (string, time.Time, error) {
	if sessionID == "" || userID == "" {
		return "", time.Time{}, errors.New("session id and user id are required")
	}
	now := i.now()
	exp := now.Add(ttl).Truncate(time.Second)
	signed, err := i.sign(Claims{
		Type: ticketType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{sessionID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp.UTC(), nil
}

// VerifyWatchTicket checks signature, session binding and expiry.
func (i *Issuer) VerifyWatchTicket(ticket, sessionID string) (Ticket, error) {
	claims, err := i.parse(ticket, jwt.WithAudience(sessionID), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Ticket{}, ErrTicketExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Ticket{}, ErrTicketSession
	case err != nil:
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if claims.Type != ticketType {
		return Ticket{}, fmt.Errorf("%w: not a watch ticket", ErrInvalidTicket)
	}
	return Ticket{SessionID: sessionID, UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time.UTC()}, nil
}
