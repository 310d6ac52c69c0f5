package types

// SessionActive is the agent-reported state of a live remote session.
const SessionActive = "Active"

// Session is a remote session as reported by a machine's agent. It is
// a liveness signal only and is never persisted.
type Session struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	State    string `json:"state"`
	UserID   string `json:"user_id,omitempty"`
}

// Active reports whether the session is currently connected.
func (s *Session) Active() bool { return s.State == SessionActive }

// AnyActive reports whether at least one session in the list is active.
func AnyActive(sessions []*Session) bool {
	for _, s := range sessions {
		if s.Active() {
			return true
		}
	}
	return false
}
