package cluster

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxFrameSize is the ceiling for a single wire message, newline
// included. Larger frames are a protocol violation.
const MaxFrameSize = 1 << 20

var ErrPeerUnreachable = errors.New("peer unreachable")

type TransportCfg struct {
	Host string
	Port int

	Logger Logger

	ConnectTimeout time.Duration
}

// Transport owns the listening socket and a pool of outbound
// connections, at most one per peer. Inbound connections are read
// loops feeding decoded messages to a single dispatch function; they
// are never written to.
type Transport struct {
	Cfg TransportCfg
	Log Logger

	listener net.Listener
	dispatch func(Msg)

	conns      map[NodeId]*peerConn
	connsMutex sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// peerConn serializes writers: frames from concurrent sends must not
// interleave mid-message.
type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func NewTransport(cfg TransportCfg) *Transport {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}

	return &Transport{
		Cfg: cfg,
		Log: cfg.Logger,

		conns: make(map[NodeId]*peerConn),

		stopChan: make(chan struct{}),
	}
}

// Start binds the listener and starts accepting inbound connections.
// Decoded messages are passed to dispatch; dispatch must not block for
// long since it stalls the originating connection.
func (t *Transport) Start(dispatch func(Msg)) error {
	address := net.JoinHostPort(t.Cfg.Host, fmt.Sprintf("%d", t.Cfg.Port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	t.listener = listener
	t.dispatch = dispatch

	t.Log.Info("listening on %s", address)

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *Transport) Stop() {
	close(t.stopChan)

	if t.listener != nil {
		t.listener.Close()
	}

	t.connsMutex.Lock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
	t.connsMutex.Unlock()

	t.wg.Wait()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}

			t.Log.Error("cannot accept connection: %v", err)
			continue
		}

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("panic: %s\n%s", msg, trace)
		}
	}()

	remote := conn.RemoteAddr()
	t.Log.Debug(2, "connection from %s", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMsg(line)
		if err != nil {
			// Protocol violation: drop the connection, keep the node.
			t.Log.Error("invalid message from %s: %v", remote, err)
			return
		}

		select {
		case <-t.stopChan:
			return
		default:
		}

		t.dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			t.Log.Error("oversize frame from %s", remote)
		} else {
			t.Log.Debug(2, "cannot read from %s: %v", remote, err)
		}
	}

	t.Log.Debug(2, "connection from %s closed", remote)
}

// SendTo writes a framed message to the peer, opening a pooled
// connection if needed. On failure the pooled connection is discarded;
// the next send reconnects. There are no retries here: recovery is the
// business of heartbeats and elections.
func (t *Transport) SendTo(peer PeerInfo, msg Msg) error {
	data, err := EncodeMsg(msg)
	if err != nil {
		return err
	}

	if len(data)+1 > MaxFrameSize {
		return fmt.Errorf("message exceeds frame ceiling (%d bytes)",
			len(data)+1)
	}

	pc, err := t.peerConn(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	pc.mu.Lock()
	_, err = pc.conn.Write(append(data, '\n'))
	pc.mu.Unlock()

	if err != nil {
		t.discardConn(peer.Id, pc)
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	return nil
}

// Broadcast sends to every peer concurrently. Individual failures are
// logged and ignored.
func (t *Transport) Broadcast(peers []PeerInfo, msg Msg) {
	for _, peer := range peers {
		peer := peer

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			if err := t.SendTo(peer, msg); err != nil {
				t.Log.Debug(1, "cannot send %v to node %d: %v",
					msg, peer.Id, err)
			}
		}()
	}
}

func (t *Transport) peerConn(peer PeerInfo) (*peerConn, error) {
	t.connsMutex.Lock()
	pc, found := t.conns[peer.Id]
	t.connsMutex.Unlock()

	if found {
		return pc, nil
	}

	conn, err := net.DialTimeout("tcp", peer.Address(), t.Cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	pc = &peerConn{conn: conn}

	t.connsMutex.Lock()
	if existing, found := t.conns[peer.Id]; found {
		// Lost the race against a concurrent dial; keep the first one.
		t.connsMutex.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[peer.Id] = pc
	t.connsMutex.Unlock()

	t.Log.Debug(2, "connected to node %d at %s", peer.Id, peer.Address())

	return pc, nil
}

func (t *Transport) discardConn(id NodeId, pc *peerConn) {
	t.connsMutex.Lock()
	if current, found := t.conns[id]; found && current == pc {
		delete(t.conns, id)
	}
	t.connsMutex.Unlock()

	pc.conn.Close()
}
