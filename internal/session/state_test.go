package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_Table(t *testing.T) {
	c, a := EndpointID("c"), EndpointID("a")

	tests := []struct {
		name string
		cur  State
		ev   Event
		want State
	}{
		{"client first", Initial(), RegisterClient(c), State{Kind: ClientRegistered, Client: c}},
		{"appstream first", Initial(), RegisterAppStream(a), State{Kind: AppStreamRegistered, AppStream: a}},
		{"appstream completes", State{Kind: ClientRegistered, Client: c}, RegisterAppStream(a), State{Kind: Established, Client: c, AppStream: a}},
		{"client completes", State{Kind: AppStreamRegistered, AppStream: a}, RegisterClient(c), State{Kind: Established, Client: c, AppStream: a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.cur, tt.ev))
		})
	}
}

func TestTransition_OrderIndependent(t *testing.T) {
	c, a := EndpointID("c"), EndpointID("a")
	clientFirst := Transition(Transition(Initial(), RegisterClient(c)), RegisterAppStream(a))
	appFirst := Transition(Transition(Initial(), RegisterAppStream(a)), RegisterClient(c))
	assert.Equal(t, clientFirst, appFirst)
	assert.Equal(t, Established, clientFirst.Kind)
}

func TestTransition_InvalidCombinationsFail(t *testing.T) {
	c, c2, a, a2 := EndpointID("c"), EndpointID("c2"), EndpointID("a"), EndpointID("a2")
	established := State{Kind: Established, Client: c, AppStream: a}

	tests := []struct {
		name string
		cur  State
		ev   Event
	}{
		{"duplicate client", State{Kind: ClientRegistered, Client: c}, RegisterClient(c2)},
		{"duplicate appstream", State{Kind: AppStreamRegistered, AppStream: a}, RegisterAppStream(a2)},
		{"self pair client side", State{Kind: ClientRegistered, Client: c}, RegisterAppStream(c)},
		{"self pair appstream side", State{Kind: AppStreamRegistered, AppStream: a}, RegisterClient(a)},
		{"established client", established, RegisterClient(c2)},
		{"established appstream", established, RegisterAppStream(a2)},
		{"failure", Failed("x"), RegisterClient(c)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.cur, tt.ev)
			assert.Equal(t, Failure, got.Kind)
			assert.Contains(t, got.Reason, "invalid transition")
		})
	}
}

func TestState_Peer(t *testing.T) {
	s := State{Kind: Established, Client: "c", AppStream: "a"}

	p, ok := s.Peer("c")
	assert.True(t, ok)
	assert.Equal(t, EndpointID("a"), p)

	p, ok = s.Peer("a")
	assert.True(t, ok)
	assert.Equal(t, EndpointID("c"), p)

	_, ok = State{Kind: ClientRegistered, Client: "c"}.Peer("c")
	assert.False(t, ok)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, Initial().Terminal())
	assert.False(t, State{Kind: ClientRegistered}.Terminal())
	assert.False(t, State{Kind: AppStreamRegistered}.Terminal())
	assert.True(t, State{Kind: Established}.Terminal())
	assert.True(t, Failed("x").Terminal())
}
