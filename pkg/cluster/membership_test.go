package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMembership(t *testing.T, selfId NodeId, seeds ...PeerInfo) *Membership {
	return NewMembership(peer(selfId), seeds, newTestLogger(t))
}

func TestMembershipAddOrUpdate(t *testing.T) {
	m := newTestMembership(t, 2)

	m.AddOrUpdate(peer(1))
	m.AddOrUpdate(peer(3))

	// Upsert with a new address wins.
	moved := peer(1)
	moved.Port = 7001
	m.AddOrUpdate(moved)

	p, found := m.Peer(1)
	require.True(t, found)
	require.Equal(t, 7001, p.Port)

	// The local node never enters the peer map.
	m.AddOrUpdate(peer(2))
	require.Equal(t, []PeerInfo{{Id: 1, Host: "127.0.0.1", Port: 7001}, peer(3)},
		m.OtherPeers())
}

func TestMembershipRemove(t *testing.T) {
	m := newTestMembership(t, 2)

	m.AddOrUpdate(peer(3))
	require.True(t, m.SetLeader(3, 1))

	m.Remove(3)

	_, found := m.Peer(3)
	require.False(t, found)

	// Removing the leader clears leadership.
	require.Equal(t, NoNode, m.LeaderId())
}

func TestMembershipHigherPriorityPeers(t *testing.T) {
	m := newTestMembership(t, 2)

	m.AddOrUpdate(peer(1))
	m.AddOrUpdate(peer(3))
	m.AddOrUpdate(peer(5))

	higher := m.HigherPriorityPeers()
	require.Equal(t, []PeerInfo{peer(3), peer(5)}, higher)
}

func TestMembershipSetLeaderTermMonotonic(t *testing.T) {
	m := newTestMembership(t, 2)

	m.AddOrUpdate(peer(3))
	m.AddOrUpdate(peer(4))

	require.True(t, m.SetLeader(4, 5))
	require.Equal(t, NodeId(4), m.LeaderId())
	require.Equal(t, Term(5), m.LeaderTerm())

	// A stale announcement must not regress leadership.
	require.False(t, m.SetLeader(3, 4))
	require.Equal(t, NodeId(4), m.LeaderId())

	require.True(t, m.SetLeader(3, 6))
	require.Equal(t, NodeId(3), m.LeaderId())
}

func TestMembershipMerge(t *testing.T) {
	m := newTestMembership(t, 2)

	m.Merge([]PeerInfo{peer(1), peer(2), peer(3), {Id: NoNode}})

	require.Equal(t, []PeerInfo{peer(1), peer(3)}, m.OtherPeers())
	require.Equal(t, []PeerInfo{peer(1), peer(2), peer(3)}, m.AllPeers())
}

func TestMembershipSeedsExcludeSelf(t *testing.T) {
	m := newTestMembership(t, 2, peer(1), peer(2), peer(3))

	require.Equal(t, []PeerInfo{peer(1), peer(3)}, m.Seeds())
}
