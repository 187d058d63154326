package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlwaysAllowAllows(t *testing.T) {
	open := AlwaysAllow{}
	require.True(t, open.Allows("anyone"))

	scoped := AlwaysAllow{Allowlist: []string{"x"}}
	require.True(t, scoped.Allows("x"))
	require.False(t, scoped.Allows("y"))
}

func TestPolicyFromMode(t *testing.T) {
	p, err := PolicyFromMode(" Always_Allow ", []string{"b", "a", "b", " "})
	require.NoError(t, err)
	require.Equal(t, AlwaysAllow{Allowlist: []string{"a", "b"}}, p)

	p, err = PolicyFromMode("never", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, Never{}, p)
	require.Nil(t, AllowlistOf(p))

	_, err = PolicyFromMode("sometimes", nil)
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestRoleRules(t *testing.T) {
	r, ok := ParseRole("ADMIN")
	require.True(t, ok)
	require.True(t, r.CanShareContext())
	require.False(t, RoleViewer.CanShareContext())
	_, ok = ParseRole("owner")
	require.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	for _, s := range []RequestStatus{StatusGranted, StatusDenied, StatusExpired, StatusSuperseded} {
		require.True(t, s.Terminal(), s)
	}
}

func TestTransient(t *testing.T) {
	require.True(t, Transient(errors.Join(errors.New("dial"), ErrIndexUnavailable)))
	require.False(t, Transient(ErrPermissionDenied))
}
