package match

import (
	"errors"
	"fmt"
	"time"

	"paddleduel/broker/internal/networking"
)

var (
	// ErrDuplicateIdentity is returned when a user already waits in the queue or plays a session.
	ErrDuplicateIdentity = errors.New("identity already connected")
	// ErrDuplicateQueue is the matchmaker's form of ErrDuplicateIdentity, raised atomically with the
	// queue and registry membership check.
	ErrDuplicateQueue = fmt.Errorf("%w: already queued or in session", ErrDuplicateIdentity)
	// ErrSessionNotFound is returned for operations on a session that no longer exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrShuttingDown is returned once the broker stopped accepting new matches.
	ErrShuttingDown = errors.New("matchmaking shutting down")
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	Sub      int64  `json:"sub"`
	UserName string `json:"userName"`
}

// Peer is one live duplex connection as seen by the engine.
type Peer interface {
	networking.Recipient
	// Done is closed when the connection has terminated for any reason.
	Done() <-chan struct{}
	// Close releases the connection. It must be safe to call more than once.
	Close()
}

// WaitingItem is a connection waiting to be paired.
type WaitingItem struct {
	Peer       Peer
	Identity   Identity
	EnqueuedAt time.Time
}

func (w *WaitingItem) closed() bool {
	if w == nil || w.Peer == nil {
		return true
	}
	select {
	case <-w.Peer.Done():
		return true
	default:
		return false
	}
}
