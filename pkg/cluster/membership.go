package cluster

import (
	"sort"
)

// Membership tracks the known peers, the current leader and the seed
// set. It is owned by the node's main goroutine; peer identity is the
// node id, never the socket a message happened to arrive on.
type Membership struct {
	Log Logger

	self  PeerInfo
	peers PeerSet
	seeds []PeerInfo

	leaderId   NodeId
	leaderTerm Term
}

func NewMembership(self PeerInfo, seeds []PeerInfo, logger Logger) *Membership {
	m := Membership{
		Log: logger,

		self:  self,
		peers: make(PeerSet),
	}

	for _, seed := range seeds {
		if seed.Id != self.Id {
			m.seeds = append(m.seeds, seed)
		}
	}

	return &m
}

func (m *Membership) Self() PeerInfo {
	return m.self
}

func (m *Membership) Seeds() []PeerInfo {
	return m.seeds
}

// AddOrUpdate upserts a peer. The local node is never part of the peer
// map.
func (m *Membership) AddOrUpdate(peer PeerInfo) {
	if peer.Id == m.self.Id {
		return
	}

	if _, known := m.peers[peer.Id]; !known {
		m.Log.Info("adding peer %d at %s", peer.Id, peer.Address())
	}

	m.peers[peer.Id] = peer
}

// Remove forgets a peer. Used on explicit departure or after repeated
// send failures, never on a single transient error.
func (m *Membership) Remove(id NodeId) {
	if _, known := m.peers[id]; !known {
		return
	}

	m.Log.Info("removing peer %d", id)
	delete(m.peers, id)

	if m.leaderId == id {
		m.leaderId = NoNode
	}
}

func (m *Membership) Peer(id NodeId) (PeerInfo, bool) {
	if id == m.self.Id {
		return m.self, true
	}

	peer, found := m.peers[id]
	return peer, found
}

// OtherPeers returns every known peer except the local node, ordered
// by id so broadcasts are deterministic.
func (m *Membership) OtherPeers() []PeerInfo {
	peers := make([]PeerInfo, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})

	return peers
}

// AllPeers returns every known peer including the local node.
func (m *Membership) AllPeers() []PeerInfo {
	peers := m.OtherPeers()
	peers = append(peers, m.self)

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})

	return peers
}

// HigherPriorityPeers returns peers whose id is greater than the local
// node's.
func (m *Membership) HigherPriorityPeers() []PeerInfo {
	var peers []PeerInfo

	for _, peer := range m.OtherPeers() {
		if peer.Id > m.self.Id {
			peers = append(peers, peer)
		}
	}

	return peers
}

// SetLeader records the current leader. Updates carrying a term lower
// than the last accepted leadership term are rejected.
func (m *Membership) SetLeader(id NodeId, term Term) bool {
	if term < m.leaderTerm {
		m.Log.Debug(1, "ignoring leader update for node %d: "+
			"term %d < %d", id, term, m.leaderTerm)
		return false
	}

	if m.leaderId != id {
		m.Log.Info("leader is node %d (term %d)", id, term)
	}

	m.leaderId = id
	m.leaderTerm = term

	return true
}

func (m *Membership) LeaderId() NodeId {
	return m.leaderId
}

// LeaderTerm is the term the current leader was last accepted at.
func (m *Membership) LeaderTerm() Term {
	return m.leaderTerm
}

func (m *Membership) Leader() (PeerInfo, bool) {
	if m.leaderId == NoNode {
		return PeerInfo{}, false
	}

	return m.Peer(m.leaderId)
}

// Merge upserts every peer from a JOIN_ACK peer list.
func (m *Membership) Merge(peers []PeerInfo) {
	for _, peer := range peers {
		if peer.Id == NoNode {
			continue
		}

		m.AddOrUpdate(peer)
	}
}
