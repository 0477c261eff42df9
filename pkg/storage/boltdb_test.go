package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestJoinToken_IssueAndConsumeOnce(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.IssueJoinToken("tok-1", 60))

	valid, err := s.ConsumeJoinToken("tok-1")
	require.NoError(t, err)
	require.True(t, valid)

	// A second redemption must fail: the token was deleted on consume.
	valid, err = s.ConsumeJoinToken("tok-1")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestJoinToken_Expired(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.IssueJoinToken("tok-expired", -1))

	valid, err := s.ConsumeJoinToken("tok-expired")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestMembers_SaveListDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMember(Member{NodeID: "node-1", Addr: "127.0.0.1:7000"}))
	require.NoError(t, s.SaveMember(Member{NodeID: "node-2", Addr: "127.0.0.1:7001"}))

	members, err := s.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 2)

	require.NoError(t, s.DeleteMember("node-1"))
	members, err = s.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "node-2", members[0].NodeID)
}
