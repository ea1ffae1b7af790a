package cluster

import (
	"fmt"
	"sync"
	"testing"
)

type testLogger struct {
	t *testing.T
}

func newTestLogger(t *testing.T) *testLogger {
	return &testLogger{t: t}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("DEBUG "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("INFO  "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("ERROR "+format, args...)
}

type sentMsg struct {
	To  NodeId
	Msg Msg
}

// fakeSender records outgoing messages instead of writing them to
// sockets. Sends happen from multiple goroutines, hence the mutex.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg

	failTo map[NodeId]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failTo: make(map[NodeId]bool),
	}
}

func (s *fakeSender) SendTo(peer PeerInfo, msg Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTo[peer.Id] {
		return fmt.Errorf("%w: injected failure", ErrPeerUnreachable)
	}

	s.sent = append(s.sent, sentMsg{To: peer.Id, Msg: msg})
	return nil
}

func (s *fakeSender) Broadcast(peers []PeerInfo, msg Msg) {
	for _, peer := range peers {
		s.SendTo(peer, msg)
	}
}

func (s *fakeSender) sentTo(id NodeId, msgType string) []Msg {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []Msg
	for _, sm := range s.sent {
		if sm.To == id && sm.Msg.GetType() == msgType {
			msgs = append(msgs, sm.Msg)
		}
	}

	return msgs
}

func (s *fakeSender) countByType(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, sm := range s.sent {
		if sm.Msg.GetType() == msgType {
			count++
		}
	}

	return count
}

func peer(id NodeId) PeerInfo {
	return PeerInfo{
		Id:   id,
		Host: "127.0.0.1",
		Port: 6000 + int(id),
	}
}

// newTestNode builds a node whose sends are captured by a fake sender
// and whose storage lives in a temporary directory. The main goroutine
// is not started: tests drive handlers directly, which is also how the
// real main loop calls them (serially, single owner).
func newTestNode(t *testing.T, id NodeId, cfg NodeCfg) (*Node, *fakeSender) {
	t.Helper()

	cfg.Id = id
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 6000 + int(id)
	}
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = t.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger(t)
	}

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("cannot create node: %v", err)
	}

	if err := node.messageLog.Open(); err != nil {
		t.Fatalf("cannot open message log: %v", err)
	}

	node.ordering.SeedLastSeq(node.messageLog.LastSeq())

	sender := newFakeSender()
	node.sender = sender

	t.Cleanup(func() {
		node.triggerStop()
		node.messageLog.Close()
	})

	return node, sender
}

// drainSendResults consumes pending send results so handler-level
// tests observe failure accounting without running the main loop.
func drainSendResults(n *Node, count int) {
	for i := 0; i < count; i++ {
		select {
		case result := <-n.sendResultChan:
			n.onSendResult(result)
		case <-n.stopChan:
			return
		}
	}
}
