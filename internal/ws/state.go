package ws

import (
	"net/http"
	"time"

	"gateway/internal/auth"
)

// connStatus enumerates the per-connection protocol states. The state
// moves from notInitialised to exactly one of initError or initialised
// and stays there.
type connStatus int

const (
	statusNotInitialised connStatus = iota
	statusInitError
	statusInitialised
)

func (s connStatus) String() string {
	switch s {
	case statusNotInitialised:
		return "not_initialised"
	case statusInitError:
		return "init_error"
	default:
		return "initialised"
	}
}

// connState is the immutable per-connection state snapshot. A new value
// is installed only by the connection_init handler; every other task
// reads through the atomic pointer.
type connState struct {
	status connStatus

	// headers are the retained handshake headers (all states).
	headers http.Header

	// ipAddress is the peer address captured at accept.
	ipAddress string

	// initErr is set in statusInitError.
	initErr string

	// user, tokenExpiry and forwardedHeaders are set in
	// statusInitialised.
	user             *auth.UserInfo
	tokenExpiry      *time.Time
	forwardedHeaders http.Header
}

func notInitialised(headers http.Header, ip string) *connState {
	return &connState{status: statusNotInitialised, headers: headers, ipAddress: ip}
}

func (s *connState) toInitError(msg string) *connState {
	return &connState{
		status:    statusInitError,
		headers:   s.headers,
		ipAddress: s.ipAddress,
		initErr:   msg,
	}
}

func (s *connState) toInitialised(user *auth.UserInfo, expiry *time.Time, forwarded http.Header) *connState {
	return &connState{
		status:           statusInitialised,
		headers:          s.headers,
		ipAddress:        s.ipAddress,
		user:             user,
		tokenExpiry:      expiry,
		forwardedHeaders: forwarded,
	}
}
