package signal

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// publishRoster recomputes the roster and sends it to every live connection.
// Called after auth success, connection teardown and call-session changes.
// Roster updates are not ordered against concurrent chat, but always reflect
// registry state at-or-after the triggering event.
func (ctl *SignalWSController) publishRoster() {
	ctl.broadcast(protocol.UserList{
		Type:  protocol.TypeUserList,
		Users: ctl.Hub.Roster(),
	})
}

// sendUserData hands a freshly-verified connection its own public profile.
func (ctl *SignalWSController) sendUserData(c core.SignalConnection, user *domain.User) {
	ctl.sendJSON(c, protocol.UserData{
		Type: protocol.TypeUserData,
		User: *user,
	})
}
