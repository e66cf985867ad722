// Package auth holds the client side of the identity session: the bearer
// token handed to the upload API and the sign-in/sign-out notifications.
package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTokenUnavailable is returned when there is no active session.
var ErrTokenUnavailable = errors.New("auth: token unavailable")

type Event int

const (
	SignedIn Event = iota + 1
	SignedOut
	SignInFailed
)

func (e Event) String() string {
	switch e {
	case SignedIn:
		return "signedIn"
	case SignedOut:
		return "signedOut"
	case SignInFailed:
		return "signInFailed"
	}
	return "unknown"
}

const eventBuffer = 16

// Session is an in-process session provider. Events are delivered on a
// single buffered channel meant for exactly one consumer; when the consumer
// falls behind the oldest pending event is dropped.
type Session struct {
	mu     sync.RWMutex
	token  string
	events chan Event
	log    logrus.FieldLogger
}

// NewSession returns a session that is signed in when token is not empty.
func NewSession(token string, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		token:  token,
		events: make(chan Event, eventBuffer),
		log:    log,
	}
}

func (s *Session) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrTokenUnavailable
	}
	return s.token, nil
}

// SignIn replaces the session token. An empty token is a failed sign-in
// and leaves the session signed out.
func (s *Session) SignIn(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		s.token = ""
		s.publish(SignInFailed)
		return
	}
	s.token = token
	s.publish(SignedIn)
}

func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.publish(SignedOut)
}

func (s *Session) Events() <-chan Event {
	return s.events
}

// publish must be called with s.mu held so publishers are serialized.
func (s *Session) publish(e Event) {
	select {
	case s.events <- e:
		return
	default:
	}
	select {
	case dropped := <-s.events:
		s.log.WithField("event", dropped).Warn("auth event consumer is behind, dropping event")
	default:
	}
	s.events <- e
}
