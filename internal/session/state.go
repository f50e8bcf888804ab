// Package session holds the pairing state machine of a relay session.
//
// A session pairs exactly one client endpoint with exactly one app-stream
// endpoint. Either role may arrive first; Transition is a pure function and
// carries no locking of its own.
package session

import "fmt"

// EndpointID is the identity token of one live connection.
type EndpointID string

// Role is the side an endpoint registers as.
type Role int

const (
	RoleClient Role = iota
	RoleAppStream
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleAppStream:
		return "appstream"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Kind tags the State variant.
type Kind int

const (
	NotConnected Kind = iota
	ClientRegistered
	AppStreamRegistered
	Established
	Failure
)

func (k Kind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case ClientRegistered:
		return "client_registered"
	case AppStreamRegistered:
		return "appstream_registered"
	case Established:
		return "established"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a tagged value; only the fields relevant to Kind are set.
type State struct {
	Kind      Kind
	Client    EndpointID
	AppStream EndpointID
	Reason    string
}

func Initial() State { return State{Kind: NotConnected} }

func Failed(reason string) State { return State{Kind: Failure, Reason: reason} }

// Terminal reports whether no further transitions may be applied.
func (s State) Terminal() bool { return s.Kind == Established || s.Kind == Failure }

// Peer returns the other endpoint of an established pair.
func (s State) Peer(id EndpointID) (EndpointID, bool) {
	if s.Kind != Established {
		return "", false
	}
	if id == s.Client {
		return s.AppStream, true
	}
	return s.Client, true
}

// Endpoints lists the endpoints the state refers to.
func (s State) Endpoints() []EndpointID {
	switch s.Kind {
	case ClientRegistered:
		return []EndpointID{s.Client}
	case AppStreamRegistered:
		return []EndpointID{s.AppStream}
	case Established:
		return []EndpointID{s.Client, s.AppStream}
	default:
		return nil
	}
}

func (s State) String() string {
	switch s.Kind {
	case ClientRegistered:
		return fmt.Sprintf("%s{%s}", s.Kind, s.Client)
	case AppStreamRegistered:
		return fmt.Sprintf("%s{%s}", s.Kind, s.AppStream)
	case Established:
		return fmt.Sprintf("%s{client:%s, appstream:%s}", s.Kind, s.Client, s.AppStream)
	case Failure:
		return fmt.Sprintf("%s{%s}", s.Kind, s.Reason)
	default:
		return s.Kind.String()
	}
}

// Event is a registration of an endpoint under a role.
type Event struct {
	Role     Role
	Endpoint EndpointID
}

func RegisterClient(id EndpointID) Event    { return Event{Role: RoleClient, Endpoint: id} }
func RegisterAppStream(id EndpointID) Event { return Event{Role: RoleAppStream, Endpoint: id} }

func (e Event) String() string { return fmt.Sprintf("register_%s{%s}", e.Role, e.Endpoint) }

// Transition returns the state that follows cur on ev. Every combination
// outside the pairing table, including an endpoint pairing with itself,
// yields Failure.
func Transition(cur State, ev Event) State {
	switch {
	case cur.Kind == NotConnected && ev.Role == RoleClient:
		return State{Kind: ClientRegistered, Client: ev.Endpoint}
	case cur.Kind == NotConnected && ev.Role == RoleAppStream:
		return State{Kind: AppStreamRegistered, AppStream: ev.Endpoint}
	case cur.Kind == ClientRegistered && ev.Role == RoleAppStream && ev.Endpoint != cur.Client:
		return State{Kind: Established, Client: cur.Client, AppStream: ev.Endpoint}
	case cur.Kind == AppStreamRegistered && ev.Role == RoleClient && ev.Endpoint != cur.AppStream:
		return State{Kind: Established, Client: ev.Endpoint, AppStream: cur.AppStream}
	}
	return Failed(fmt.Sprintf("invalid transition: %s × %s", cur.Kind, ev))
}
