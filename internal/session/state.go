package session

import "oentex/internal/auth"

// State is the externally observable authentication state. Snapshots are
// read-only; the pointers they carry are never mutated after commit.
type State struct {
	User        *auth.User    `json:"user"`
	Session     *auth.Session `json:"-"`
	Loading     bool          `json:"loading"`
	Err         *auth.Error   `json:"error"`
	Initialized bool          `json:"initialized"`
}

// IsFullyReady reports whether initialization finished and nothing is pending.
func (s State) IsFullyReady() bool {
	return s.Initialized && !s.Loading
}

// Authenticated reports whether a session is committed.
func (s State) Authenticated() bool {
	return s.Session != nil
}

func initialState() State {
	return State{Loading: true}
}

type actionKind int

const (
	actionInitStart actionKind = iota
	actionInitFailed
	actionInitDone
	actionCommit
	actionForceReady
	actionAuthEvent
	actionSetError
	actionClearError
	actionSetLoading
	actionRetry
	actionReset
)

type action struct {
	kind    actionKind
	session *auth.Session
	err     *auth.Error
	loading bool
}

// reduce is the only place State changes.
func reduce(s State, a action) State {
	switch a.kind {
	case actionInitStart:
		s.Loading = true
		s.Err = nil
	case actionInitFailed:
		s.Err = a.err
		s.User = nil
		s.Session = nil
	case actionInitDone:
		s.Loading = false
		s.Initialized = true
	case actionCommit:
		s.Session = a.session
		s.User = userOf(a.session)
	case actionForceReady:
		s.Loading = false
		s.Initialized = true
		s.Err = nil
	case actionAuthEvent:
		s.Err = nil
		s.Session = a.session
		s.User = userOf(a.session)
		s.Loading = false
		s.Initialized = true
	case actionSetError:
		s.Err = a.err
	case actionClearError:
		s.Err = nil
	case actionSetLoading:
		s.Loading = a.loading
	case actionRetry:
		s.Err = nil
		s.Initialized = false
		s.Loading = true
	case actionReset:
		return State{Initialized: true}
	}
	return s
}

func userOf(session *auth.Session) *auth.User {
	if session == nil {
		return nil
	}
	return session.User
}
