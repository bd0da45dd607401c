package core

import "github.com/dkeye/Huddle/internal/domain"

// userSession implements UserSession by pairing identity + transport.
type userSession struct {
	user *domain.User
	conn SignalConnection
}

func NewUserSession(user *domain.User, conn SignalConnection) UserSession {
	return &userSession{user: user, conn: conn}
}

func (s *userSession) User() *domain.User       { return s.user }
func (s *userSession) Signal() SignalConnection { return s.conn }
