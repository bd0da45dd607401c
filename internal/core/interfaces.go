package core

import "github.com/dkeye/Huddle/internal/domain"

// Frame is a raw encoded wire message.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// UserSession binds a verified domain.User and its transport endpoint.
// This is what the registry stores and what fan-out iterates over.
type UserSession interface {
	User() *domain.User
	Signal() SignalConnection
}
