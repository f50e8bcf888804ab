package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/wsrelay/internal/session"
)

func TestRegistry_PairingIsOrderIndependent(t *testing.T) {
	clientFirst := New()
	_, err := clientFirst.Register("k", "c", session.RoleClient)
	require.NoError(t, err)
	a, err := clientFirst.Register("k", "a", session.RoleAppStream)
	require.NoError(t, err)

	appFirst := New()
	_, err = appFirst.Register("k", "a", session.RoleAppStream)
	require.NoError(t, err)
	b, err := appFirst.Register("k", "c", session.RoleClient)
	require.NoError(t, err)

	want := session.State{Kind: session.Established, Client: "c", AppStream: "a"}
	assert.Equal(t, want, a.State)
	assert.Equal(t, want, b.State)
}

func TestRegistry_BothEndpointsShareOneSession(t *testing.T) {
	r := New()
	first, err := r.Register("k", "c", session.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, session.ClientRegistered, first.State.Kind)

	second, err := r.Register("k", "a", session.RoleAppStream)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []session.EndpointID{"c", "a"}, second.Endpoints)

	fromClient, ok := r.Lookup("c")
	require.True(t, ok)
	fromApp, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, fromClient.ID, fromApp.ID)
	assert.Equal(t, session.Established, fromClient.State.Kind)

	st := r.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Established)
	assert.Equal(t, 2, st.Endpoints)
	assert.EqualValues(t, 1, st.PairedTotal)
}

func TestRegistry_DuplicateRoleFails(t *testing.T) {
	r := New()
	_, err := r.Register("k", "c1", session.RoleClient)
	require.NoError(t, err)

	snap, err := r.Register("k", "c2", session.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, session.Failure, snap.State.Kind)
	assert.ElementsMatch(t, []session.EndpointID{"c1", "c2"}, snap.Endpoints)
	assert.Equal(t, 0, r.Stats().Pending, "the pending slot is consumed, not duplicated")
}

func TestRegistry_SameEndpointCannotPairWithItself(t *testing.T) {
	r := New()
	_, err := r.Register("k", "x", session.RoleClient)
	require.NoError(t, err)

	snap, err := r.Register("k", "x", session.RoleAppStream)
	require.NoError(t, err)
	assert.Equal(t, session.Failure, snap.State.Kind)
	assert.Equal(t, 0, r.Stats().Pending)
}

func TestRegistry_TerminalSessionIgnoresRegistration(t *testing.T) {
	r := New()
	_, _ = r.Register("k", "c", session.RoleClient)
	_, _ = r.Register("k", "a", session.RoleAppStream)

	snap, err := r.Register("k", "c", session.RoleClient)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, session.Established, snap.State.Kind)

	_, err = r.Apply("a", session.RegisterClient("a"))
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestRegistry_KeyInUseRejectsThirdParty(t *testing.T) {
	r := New()
	_, _ = r.Register("k", "c", session.RoleClient)
	live, _ := r.Register("k", "a", session.RoleAppStream)

	snap, err := r.Register("k", "intruder", session.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, session.Failure, snap.State.Kind)
	assert.Equal(t, reasonKeyInUse, snap.State.Reason)
	assert.Equal(t, []session.EndpointID{"intruder"}, snap.Endpoints)
	assert.NotEqual(t, live.ID, snap.ID)

	still, ok := r.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, session.Established, still.State.Kind)
	assert.Equal(t, 0, r.Stats().Pending)
}

func TestRegistry_ReleaseEstablishedDropsBothEndpoints(t *testing.T) {
	r := New()
	_, _ = r.Register("k", "c", session.RoleClient)
	_, _ = r.Register("k", "a", session.RoleAppStream)

	snap, ok := r.Release("c")
	require.True(t, ok)
	assert.Equal(t, session.Established, snap.State.Kind)
	assert.ElementsMatch(t, []session.EndpointID{"c", "a"}, snap.Endpoints)

	_, ok = r.Lookup("c")
	assert.False(t, ok)
	_, ok = r.Lookup("a")
	assert.False(t, ok)
	_, ok = r.Release("a")
	assert.False(t, ok)
	assert.Equal(t, Stats{PairedTotal: 1}, r.Stats())
}

func TestRegistry_ReleasePendingFreesKey(t *testing.T) {
	r := New()
	_, _ = r.Register("k", "c", session.RoleClient)

	snap, ok := r.Release("c")
	require.True(t, ok)
	assert.Equal(t, session.ClientRegistered, snap.State.Kind)
	assert.Equal(t, 0, r.Stats().Pending)

	fresh, err := r.Register("k", "c2", session.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, session.ClientRegistered, fresh.State.Kind)
	assert.Equal(t, 1, r.Stats().Pending)
}

func TestRegistry_Active(t *testing.T) {
	r := New()
	snap, _ := r.Register("k", "c", session.RoleClient)
	assert.True(t, r.Active(snap.ID))

	r.Release("c")
	assert.False(t, r.Active(snap.ID))
	assert.False(t, r.Active("no-such-session"))
}

func TestRegistry_KeyReusableAfterTeardown(t *testing.T) {
	r := New()
	_, _ = r.Register("k", "c", session.RoleClient)
	first, _ := r.Register("k", "a", session.RoleAppStream)
	r.Release("a")

	_, err := r.Register("k", "c2", session.RoleClient)
	require.NoError(t, err)
	second, err := r.Register("k", "a2", session.RoleAppStream)
	require.NoError(t, err)
	assert.Equal(t, session.Established, second.State.Kind)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistry_Coordinate(t *testing.T) {
	r := New()
	sid, err := r.Coordinate("k", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Stats().Pending)

	sid2, err := r.Coordinate("k", "a")
	require.NoError(t, err)
	assert.Equal(t, sid, sid2)
	assert.Equal(t, 0, r.Stats().Pending)

	_, err = r.Coordinate("other", "a")
	assert.ErrorIs(t, err, ErrAlreadyBound)

	snap, err := r.Apply("c", session.RegisterClient("c"))
	require.NoError(t, err)
	assert.Equal(t, session.ClientRegistered, snap.State.Kind)
	snap, err = r.Apply("a", session.RegisterAppStream("a"))
	require.NoError(t, err)
	assert.Equal(t, session.Established, snap.State.Kind)

	_, err = r.Apply("nobody", session.RegisterClient("nobody"))
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestRegistry_ExpirePending(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	_, _ = r.Register("old", "o", session.RoleClient)
	now = now.Add(time.Minute)
	_, _ = r.Register("new", "n", session.RoleAppStream)
	_, _ = r.Register("paired", "c", session.RoleClient)
	_, _ = r.Register("paired", "a", session.RoleAppStream)

	expired := r.ExpirePending(30 * time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Key)
	assert.Equal(t, []session.EndpointID{"o"}, expired[0].Endpoints)
	_, ok := r.Lookup("o")
	assert.False(t, ok)

	expired = r.ExpirePending(0)
	require.Len(t, expired, 1)
	assert.Equal(t, "new", expired[0].Key)

	st := r.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Established)
	assert.EqualValues(t, 2, st.Timeouts)
}

func TestRegistry_Sessions(t *testing.T) {
	r := New()
	_, _ = r.Register("p", "w", session.RoleClient)
	_, _ = r.Register("e", "c", session.RoleClient)
	_, _ = r.Register("e", "a", session.RoleAppStream)
	_, _ = r.Register("f", "x", session.RoleClient)
	_, _ = r.Register("f", "y", session.RoleClient)

	keys := map[string]session.Kind{}
	for _, s := range r.Sessions() {
		keys[s.Key] = s.State.Kind
	}
	assert.Equal(t, map[string]session.Kind{"p": session.ClientRegistered, "e": session.Established}, keys)
}

func TestRegistry_ConcurrentRegistrationsPairExactlyOnce(t *testing.T) {
	r := New()
	const pairs = 200

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		key := fmt.Sprintf("key-%d", i)
		for _, role := range []session.Role{session.RoleClient, session.RoleAppStream} {
			wg.Add(1)
			go func(key string, role session.Role) {
				defer wg.Done()
				_, err := r.Register(key, session.EndpointID(key+"-"+role.String()), role)
				assert.NoError(t, err)
			}(key, role)
		}
	}
	wg.Wait()

	st := r.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, pairs, st.Established)
	assert.EqualValues(t, pairs, st.PairedTotal)
}

func TestRegistry_ConcurrentSameRoleNeverDoublePends(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Register("k", session.EndpointID(fmt.Sprintf("c%d", i)), session.RoleClient)
		}(i)
	}
	wg.Wait()

	st := r.Stats()
	assert.LessOrEqual(t, st.Pending, 1)
	assert.Equal(t, 0, st.Established)
	assert.Equal(t, n, st.Endpoints)
}
