package cluster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrStopped = errors.New("node stopped")

// catchupBatchSize is the most records sent in one CATCHUP_RESP frame.
// The bound counts records, not bytes: a batch of large records can
// still exceed MaxFrameSize, and the transport then rejects that frame.
const catchupBatchSize = 500

type NodeCfg struct {
	Id   NodeId
	Host string
	Port int

	Seeds []PeerInfo

	DataDirectory string

	Logger Logger

	RoomId string

	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	ElectionTimeout   time.Duration
	ConnectTimeout    time.Duration

	// A peer is removed from membership after this many consecutive
	// failed sends (leader only).
	MaxSendFailures int

	// Bootstrap: number of JOIN rounds against the seed list before
	// the node gives up and elects among whatever it knows.
	JoinRounds        int
	JoinRetryInterval time.Duration

	// Optional sink invoked for every delivered message, after it has
	// been persisted.
	OnDeliver func(Record)
}

// NodeStatus is a point-in-time snapshot of the orchestrator state.
type NodeStatus struct {
	Id       NodeId     `json:"id"`
	Role     Role       `json:"role"`
	Term     Term       `json:"term"`
	LeaderId NodeId     `json:"leader_id,omitempty"`
	LastSeq  SeqNo      `json:"last_seq"`
	Peers    []PeerInfo `json:"peers"`
}

type msgSender interface {
	SendTo(PeerInfo, Msg) error
	Broadcast([]PeerInfo, Msg)
}

type sendResult struct {
	PeerId NodeId
	Err    error
}

type submission struct {
	Text   string
	RoomId string

	ReplyChan chan string
}

type recordQuery struct {
	After SeqNo

	ReplyChan chan recordQueryResult
}

type recordQueryResult struct {
	Records []Record
	Err     error
}

// Node glues transport, membership, failure detection, election,
// ordering and storage together. All mutable state is owned by the
// main goroutine; timers, inbound messages and local submissions are
// multiplexed over a single select loop, so no two deliveries or role
// transitions ever interleave.
type Node struct {
	Cfg NodeCfg
	Log Logger

	Id   NodeId
	self PeerInfo

	role        Role
	currentTerm Term

	membership *Membership
	detector   *FailureDetector
	election   *Election
	ordering   *Ordering
	messageLog *MessageLog

	transport *Transport
	sender    msgSender

	sendFailures map[NodeId]int

	bootstrapping bool
	joinRound     int

	staleDrops int64
	failed     bool

	heartbeatTicker *time.Ticker
	watchdogTicker  *time.Ticker
	electionTimer   *time.Timer
	bootstrapTimer  *time.Timer

	msgChan        chan Msg
	submitChan     chan submission
	statusChan     chan chan NodeStatus
	queryChan      chan recordQuery
	sendResultChan chan sendResult

	errorChan chan<- error
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Id <= 0 {
		return nil, fmt.Errorf("missing or invalid node id")
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("missing or empty host")
	}

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("missing or invalid port")
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.RoomId == "" {
		cfg.RoomId = DefaultRoomId
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.LeaderTimeout == 0 {
		cfg.LeaderTimeout = DefaultLeaderTimeout
	}

	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = DefaultElectionTimeout
	}

	if cfg.MaxSendFailures == 0 {
		cfg.MaxSendFailures = 3
	}

	if cfg.JoinRounds == 0 {
		cfg.JoinRounds = 5
	}

	if cfg.JoinRetryInterval == 0 {
		cfg.JoinRetryInterval = 500 * time.Millisecond
	}

	self := PeerInfo{
		Id:   cfg.Id,
		Host: cfg.Host,
		Port: cfg.Port,
	}

	transport := NewTransport(TransportCfg{
		Host: cfg.Host,
		Port: cfg.Port,

		Logger: cfg.Logger,

		ConnectTimeout: cfg.ConnectTimeout,
	})

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:   cfg.Id,
		self: self,

		role: RoleFollower,

		membership: NewMembership(self, cfg.Seeds, cfg.Logger),
		detector:   NewFailureDetector(cfg.LeaderTimeout, cfg.Logger),
		election:   NewElection(cfg.ElectionTimeout, cfg.Logger),
		messageLog: NewMessageLog(cfg.DataDirectory, cfg.Id),

		transport: transport,
		sender:    transport,

		sendFailures: make(map[NodeId]int),

		heartbeatTicker: time.NewTicker(cfg.HeartbeatInterval),
		watchdogTicker:  time.NewTicker(DefaultWatchdogInterval),
		electionTimer:   newStoppedTimer(),
		bootstrapTimer:  newStoppedTimer(),

		msgChan:        make(chan Msg),
		submitChan:     make(chan submission),
		statusChan:     make(chan chan NodeStatus),
		queryChan:      make(chan recordQuery),
		sendResultChan: make(chan sendResult),

		stopChan: make(chan struct{}),
	}

	n.ordering = NewOrdering(n.deliverRecord, cfg.Logger)

	return n, nil
}

func (n *Node) Start(errorChan chan<- error) error {
	n.Log.Debug(1, "starting")

	n.errorChan = errorChan

	// Storage first: the recovered high-water mark seeds the ordering
	// state whatever role the node ends up in.
	if err := n.messageLog.Open(); err != nil {
		return fmt.Errorf("cannot open message log: %w", err)
	}

	n.ordering.SeedLastSeq(n.messageLog.LastSeq())

	n.Log.Info("recovered message log %q, last seq %d",
		n.messageLog.FilePath(), n.messageLog.LastSeq())

	if err := n.transport.Start(n.enqueueMsg); err != nil {
		n.messageLog.Close()
		return err
	}

	n.detector.Arm(time.Now())
	n.startBootstrap()

	n.wg.Add(1)
	go n.main()

	n.Log.Debug(1, "started")

	return nil
}

func (n *Node) Stop() {
	n.Log.Debug(1, "stopping")

	n.triggerStop()
	n.wg.Wait()

	n.Log.Debug(1, "stopped")
}

// triggerStop unblocks every goroutine waiting on the stop channel.
// Safe to call from any path, including the main goroutine itself on a
// fatal error.
func (n *Node) triggerStop() {
	n.stopOnce.Do(func() {
		close(n.stopChan)
	})
}

func (n *Node) main() {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			if n.errorChan != nil {
				n.errorChan <- fmt.Errorf("panic: %s", msg)
			}

			n.triggerStop()
			n.shutdown()
		}
	}()

	for {
		select {
		case <-n.stopChan:
			n.shutdown()
			return

		case <-n.heartbeatTicker.C:
			n.onHeartbeatTick()

		case <-n.watchdogTicker.C:
			n.onWatchdogTick()

		case <-n.electionTimer.C:
			n.onElectionTimer()

		case <-n.bootstrapTimer.C:
			n.onBootstrapTick()

		case msg := <-n.msgChan:
			n.onMsg(msg)

		case result := <-n.sendResultChan:
			n.onSendResult(result)

		case sub := <-n.submitChan:
			n.onSubmit(sub)

		case replyChan := <-n.statusChan:
			replyChan <- n.status()

		case query := <-n.queryChan:
			n.onQuery(query)
		}

		if n.failed {
			n.triggerStop()
			n.shutdown()
			return
		}
	}
}

func (n *Node) shutdown() {
	n.Log.Debug(1, "shutting down")

	n.heartbeatTicker.Stop()
	n.watchdogTicker.Stop()
	n.electionTimer.Stop()
	n.bootstrapTimer.Stop()

	n.transport.Stop()
	n.messageLog.Close()
}

// fail records an unrecoverable error, typically a storage append
// failure: a node that cannot persist what it delivers must stop
// delivering.
func (n *Node) fail(err error) {
	n.Log.Error("fatal: %v", err)

	n.failed = true

	if n.errorChan != nil {
		n.errorChan <- err
	}
}

func (n *Node) enqueueMsg(msg Msg) {
	select {
	case n.msgChan <- msg:
	case <-n.stopChan:
	}
}

// Submit feeds locally originated chat text into the node, exactly as
// if a CHAT frame had arrived on the wire. Returns the message id.
func (n *Node) Submit(text, roomId string) (string, error) {
	sub := submission{
		Text:   text,
		RoomId: roomId,

		ReplyChan: make(chan string, 1),
	}

	select {
	case n.submitChan <- sub:
	case <-n.stopChan:
		return "", ErrStopped
	}

	select {
	case msgId := <-sub.ReplyChan:
		return msgId, nil
	case <-n.stopChan:
		return "", ErrStopped
	}
}

func (n *Node) Status() (NodeStatus, error) {
	replyChan := make(chan NodeStatus, 1)

	select {
	case n.statusChan <- replyChan:
	case <-n.stopChan:
		return NodeStatus{}, ErrStopped
	}

	select {
	case status := <-replyChan:
		return status, nil
	case <-n.stopChan:
		return NodeStatus{}, ErrStopped
	}
}

// MessagesAfter returns delivered records with a sequence number
// strictly greater than seq.
func (n *Node) MessagesAfter(seq SeqNo) ([]Record, error) {
	query := recordQuery{
		After: seq,

		ReplyChan: make(chan recordQueryResult, 1),
	}

	select {
	case n.queryChan <- query:
	case <-n.stopChan:
		return nil, ErrStopped
	}

	select {
	case result := <-query.ReplyChan:
		return result.Records, result.Err
	case <-n.stopChan:
		return nil, ErrStopped
	}
}

func (n *Node) status() NodeStatus {
	return NodeStatus{
		Id:       n.Id,
		Role:     n.role,
		Term:     n.currentTerm,
		LeaderId: n.membership.LeaderId(),
		LastSeq:  n.ordering.LastSeq(),
		Peers:    n.membership.AllPeers(),
	}
}

// --------------------------------------------------------------------
// Timers
// --------------------------------------------------------------------

func (n *Node) onHeartbeatTick() {
	if n.role != RoleLeader {
		return
	}

	heartbeat := &HeartbeatMsg{Header: n.header(MsgTypeHeartbeat)}

	for _, peer := range n.membership.OtherPeers() {
		n.sendAsync(peer, heartbeat)
	}
}

func (n *Node) onWatchdogTick() {
	if n.role != RoleFollower || n.bootstrapping {
		return
	}

	if n.detector.Check(time.Now()) {
		n.Log.Info("suspecting leader %d, starting election",
			n.membership.LeaderId())
		n.startElection()
	}
}

func (n *Node) onElectionTimer() {
	switch n.election.OnTimeout() {
	case electionWin:
		n.becomeLeader(n.election.CandidateTerm())

	case electionAwaitCoordinator:
		resetTimer(n.electionTimer, 2*n.election.Timeout())

	case electionRestart:
		n.startElection()
	}
}

func (n *Node) onBootstrapTick() {
	if !n.bootstrapping {
		return
	}

	if n.membership.LeaderId() != NoNode || n.role == RoleLeader {
		n.bootstrapping = false
		return
	}

	if len(n.membership.OtherPeers()) > 0 {
		// Seeds answered but nobody announced a leader.
		n.Log.Info("joined %d peers but found no leader, starting election",
			len(n.membership.OtherPeers()))
		n.bootstrapping = false
		n.detector.Arm(time.Now())
		n.startElection()
		return
	}

	n.joinRound++

	if n.joinRound >= n.Cfg.JoinRounds {
		n.Log.Info("no seed responded after %d rounds, proceeding alone",
			n.joinRound)
		n.bootstrapping = false
		n.detector.Arm(time.Now())
		n.startElection()
		return
	}

	n.sendJoins()

	backoff := n.Cfg.JoinRetryInterval << uint(n.joinRound)
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}

	resetTimer(n.bootstrapTimer, backoff)
}

func (n *Node) onSendResult(result sendResult) {
	if result.Err == nil {
		delete(n.sendFailures, result.PeerId)
		return
	}

	n.Log.Debug(1, "cannot send to node %d: %v", result.PeerId, result.Err)

	n.sendFailures[result.PeerId]++

	if n.role != RoleLeader {
		return
	}

	if n.sendFailures[result.PeerId] >= n.Cfg.MaxSendFailures {
		n.Log.Info("peer %d unresponsive after %d failed sends",
			result.PeerId, n.sendFailures[result.PeerId])

		n.membership.Remove(result.PeerId)
		delete(n.sendFailures, result.PeerId)
	}
}

// --------------------------------------------------------------------
// Bootstrap
// --------------------------------------------------------------------

func (n *Node) startBootstrap() {
	if len(n.membership.Seeds()) == 0 {
		n.Log.Info("no seeds configured, proceeding alone")
		n.startElection()
		return
	}

	n.bootstrapping = true
	n.joinRound = 0

	n.sendJoins()

	resetTimer(n.bootstrapTimer, n.Cfg.JoinRetryInterval)
}

func (n *Node) sendJoins() {
	join := &JoinMsg{
		Header: n.header(MsgTypeJoin),
		Peer:   n.self,
	}

	for _, seed := range n.membership.Seeds() {
		n.Log.Debug(1, "sending JOIN to seed %d at %s",
			seed.Id, seed.Address())
		n.sendAsync(seed, join)
	}
}

// --------------------------------------------------------------------
// Role transitions
// --------------------------------------------------------------------

func (n *Node) startElection() {
	if n.election.InProgress() {
		n.Log.Debug(1, "election already in progress")
		return
	}

	candidateTerm := n.currentTerm + 1

	n.election.Start(candidateTerm)

	// Moving to the candidate term up front makes restarted elections
	// escalate, and it shuts out the suspected leader: its messages
	// now carry a stale term.
	n.currentTerm = candidateTerm
	n.role = RoleCandidate

	election := &ElectionMsg{Header: Header{
		Type:     MsgTypeElection,
		SenderId: n.Id,
		Term:     candidateTerm,
	}}

	for _, peer := range n.membership.HigherPriorityPeers() {
		n.sendAsync(peer, election)
	}

	resetTimer(n.electionTimer, n.election.Timeout())
}

func (n *Node) becomeLeader(term Term) {
	n.Log.Info("becoming leader for term %d", term)

	n.role = RoleLeader
	n.currentTerm = term

	n.election.Cancel()
	stopTimer(n.electionTimer)
	stopTimer(n.bootstrapTimer)
	n.bootstrapping = false

	n.membership.SetLeader(n.Id, term)

	coordinator := &CoordinatorMsg{
		Header: n.header(MsgTypeCoordinator),
		Leader: n.self,
	}

	targets := n.membership.OtherPeers()
	if len(targets) == 0 {
		targets = n.membership.Seeds()
	}

	n.sender.Broadcast(targets, coordinator)

	n.heartbeatTicker.Reset(n.Cfg.HeartbeatInterval)
}

func (n *Node) becomeFollower(leader PeerInfo, term Term) {
	sameLeader := n.role == RoleFollower &&
		n.membership.LeaderId() == leader.Id &&
		n.currentTerm == term

	n.role = RoleFollower
	n.currentTerm = term

	n.membership.AddOrUpdate(leader)
	n.membership.SetLeader(leader.Id, term)

	n.election.Cancel()
	stopTimer(n.electionTimer)
	stopTimer(n.bootstrapTimer)
	n.bootstrapping = false

	n.detector.Arm(time.Now())

	if !sameLeader {
		n.requestCatchup()
	}
}

func (n *Node) requestCatchup() {
	leader, found := n.membership.Leader()
	if !found || leader.Id == n.Id {
		return
	}

	req := &CatchupReqMsg{
		Header:   n.header(MsgTypeCatchupReq),
		SinceSeq: n.ordering.LastSeq(),
	}

	n.Log.Info("requesting catch-up from node %d since seq %d",
		leader.Id, req.SinceSeq)

	n.sendAsync(leader, req)
}

// --------------------------------------------------------------------
// Message handlers
// --------------------------------------------------------------------

func (n *Node) onMsg(msg Msg) {
	n.Log.Debug(2, "received %v", msg)

	switch m := msg.(type) {
	case *JoinMsg:
		n.onJoin(m)
	case *JoinAckMsg:
		n.onJoinAck(m)
	case *HeartbeatMsg:
		n.onHeartbeat(m)
	case *ElectionMsg:
		n.onElection(m)
	case *ElectionOkMsg:
		n.onElectionOk(m)
	case *CoordinatorMsg:
		n.onCoordinator(m)
	case *ChatMsg:
		n.onChat(m)
	case *SeqChatMsg:
		n.onSeqChat(m)
	case *CatchupReqMsg:
		n.onCatchupReq(m)
	case *CatchupRespMsg:
		n.onCatchupResp(m)
	default:
		n.Log.Error("unexpected message %v", msg)
	}
}

func (n *Node) onJoin(m *JoinMsg) {
	n.Log.Info("node %d joining from %s", m.Peer.Id, m.Peer.Address())

	n.membership.AddOrUpdate(m.Peer)

	ack := &JoinAckMsg{
		Header: n.header(MsgTypeJoinAck),
		Peers:  n.membership.AllPeers(),
	}

	if leaderId := n.membership.LeaderId(); leaderId != NoNode {
		id := leaderId
		ack.LeaderId = &id
	}

	n.sendAsync(m.Peer, ack)

	// Make sure the joiner discovers the leader whichever peer it
	// contacted first: the leader announces itself, and a follower
	// relays the announcement on the leader's behalf.
	if n.role == RoleLeader {
		n.sendAsync(m.Peer, &CoordinatorMsg{
			Header: n.header(MsgTypeCoordinator),
			Leader: n.self,
		})
	} else if leader, found := n.membership.Leader(); found && leader.Id != n.Id {
		n.sendAsync(m.Peer, &CoordinatorMsg{
			Header: Header{
				Type:     MsgTypeCoordinator,
				SenderId: n.Id,
				Term:     n.membership.LeaderTerm(),
			},
			Leader: leader,
		})
	}
}

func (n *Node) onJoinAck(m *JoinAckMsg) {
	n.membership.Merge(m.Peers)

	if m.Term > n.currentTerm {
		n.currentTerm = m.Term
	}

	if m.LeaderId == nil || *m.LeaderId == n.Id {
		return
	}

	leader, found := n.membership.Peer(*m.LeaderId)
	if !found {
		n.Log.Error("JOIN_ACK from node %d names unknown leader %d",
			m.SenderId, *m.LeaderId)
		return
	}

	n.becomeFollower(leader, n.currentTerm)
}

func (n *Node) onHeartbeat(m *HeartbeatMsg) {
	if m.Term < n.currentTerm {
		n.staleDrops++
		return
	}

	if n.role == RoleLeader {
		if m.Term == n.currentTerm && n.Id > m.SenderId {
			// Two winners of the same term cannot coexist; the higher
			// id keeps it and the other side defers on our heartbeat.
			return
		}

		peer, found := n.membership.Peer(m.SenderId)
		if !found {
			n.Log.Error("heartbeat from unknown leader %d (term %d)",
				m.SenderId, m.Term)
			return
		}

		n.Log.Info("deferring to leader %d (term %d)", m.SenderId, m.Term)
		n.becomeFollower(peer, m.Term)
		return
	}

	n.currentTerm = m.Term

	// A heartbeat at or above the candidate term proves a leader
	// already exists for it; winning our own election afterwards
	// would make two leaders for one term.
	if n.election.InProgress() && m.Term >= n.election.CandidateTerm() {
		n.Log.Info("node %d already leads term %d, standing down",
			m.SenderId, m.Term)

		n.election.Cancel()
		stopTimer(n.electionTimer)
		n.role = RoleFollower
		n.detector.Arm(time.Now())
	}

	n.membership.SetLeader(m.SenderId, m.Term)
	n.detector.RecordHeartbeat(time.Now())
}

func (n *Node) onElection(m *ElectionMsg) {
	if m.SenderId >= n.Id {
		n.Log.Debug(1, "ignoring ELECTION from node %d", m.SenderId)
		return
	}

	if peer, found := n.membership.Peer(m.SenderId); found {
		n.sendAsync(peer, &ElectionOkMsg{Header: n.header(MsgTypeElectionOk)})
	}

	// Adopt the candidate's term as a floor so our own election
	// outbids it: the COORDINATOR we may end up sending has to clear
	// the candidate's term check.
	if m.Term > n.currentTerm {
		n.currentTerm = m.Term
	}

	if !n.election.InProgress() {
		n.startElection()
	}
}

func (n *Node) onElectionOk(m *ElectionOkMsg) {
	n.election.RecordOk(m.SenderId)
}

func (n *Node) onCoordinator(m *CoordinatorMsg) {
	if m.Term < n.currentTerm {
		n.staleDrops++
		n.Log.Debug(1, "ignoring stale COORDINATOR from node %d (term %d)",
			m.SenderId, m.Term)
		return
	}

	if m.Leader.Id == n.Id {
		// Our own announcement, possibly relayed back.
		return
	}

	if n.role == RoleLeader && m.Term == n.currentTerm {
		n.Log.Error("conflicting COORDINATOR for term %d from node %d",
			m.Term, m.SenderId)
		return
	}

	n.becomeFollower(m.Leader, m.Term)
}

func (n *Node) onChat(m *ChatMsg) {
	roomId := m.RoomId
	if roomId == "" {
		roomId = DefaultRoomId
	}

	if n.role != RoleLeader {
		leader, found := n.membership.Leader()
		if !found || leader.Id == n.Id {
			n.Log.Error("no known leader, dropping chat message %q", m.MsgId)
			return
		}

		n.sendAsync(leader, m)
		return
	}

	msgId := m.MsgId
	if msgId == "" {
		msgId = uuid.NewString()
	}

	// The CHAT term is whatever the client happened to know; the
	// sequenced message always carries the leader's current term.
	record := n.ordering.Assign(msgId, m.SenderId, roomId, m.Payload,
		n.currentTerm, tsNow())

	seqChat := &SeqChatMsg{
		Header: Header{
			Type:     MsgTypeSeqChat,
			SenderId: n.Id,
			Term:     n.currentTerm,
			MsgId:    msgId,
			RoomId:   roomId,
		},
		SeqNo:          record.SeqNo,
		Payload:        record.Text,
		OriginSenderId: record.SenderId,
	}

	for _, peer := range n.membership.OtherPeers() {
		n.sendAsync(peer, seqChat)
	}

	// Local delivery goes through the same path as everyone else's,
	// which is also what advances lastSeq.
	if _, err := n.ordering.Receive(record); err != nil {
		n.fail(err)
	}
}

func (n *Node) onSeqChat(m *SeqChatMsg) {
	if m.Term < n.currentTerm {
		n.staleDrops++
		n.Log.Debug(1, "ignoring SEQ_CHAT from stale term %d", m.Term)
		return
	}

	if m.Term > n.currentTerm {
		n.currentTerm = m.Term
	}

	roomId := m.RoomId
	if roomId == "" {
		roomId = DefaultRoomId
	}

	origin := m.OriginSenderId
	if origin == NoNode {
		origin = m.SenderId
	}

	record := Record{
		SeqNo:    m.SeqNo,
		Term:     m.Term,
		SenderId: origin,
		MsgId:    m.MsgId,
		RoomId:   roomId,
		Text:     m.Payload,
		Ts:       tsNow(),
	}

	if _, err := n.ordering.Receive(record); err != nil {
		n.fail(err)
	}
}

func (n *Node) onCatchupReq(m *CatchupReqMsg) {
	if n.role != RoleLeader {
		n.Log.Debug(1, "ignoring CATCHUP_REQ from node %d: not leader",
			m.SenderId)
		return
	}

	peer, found := n.membership.Peer(m.SenderId)
	if !found {
		n.Log.Error("CATCHUP_REQ from unknown node %d", m.SenderId)
		return
	}

	records, err := n.messageLog.RecordsAfter(m.SinceSeq)
	if err != nil {
		n.Log.Error("cannot read records after %d: %v", m.SinceSeq, err)
		return
	}

	n.Log.Info("sending %d catch-up records to node %d (since seq %d)",
		len(records), m.SenderId, m.SinceSeq)

	for start := 0; start < len(records); start += catchupBatchSize {
		end := start + catchupBatchSize
		if end > len(records) {
			end = len(records)
		}

		n.sendAsync(peer, &CatchupRespMsg{
			Header:  n.header(MsgTypeCatchupResp),
			Records: records[start:end],
		})
	}
}

func (n *Node) onCatchupResp(m *CatchupRespMsg) {
	if m.Term > n.currentTerm {
		n.currentTerm = m.Term
	}

	n.Log.Info("catch-up batch of %d records from node %d",
		len(m.Records), m.SenderId)

	for _, record := range m.Records {
		if _, err := n.ordering.Receive(record); err != nil {
			n.fail(err)
			return
		}
	}
}

func (n *Node) onSubmit(sub submission) {
	msgId := uuid.NewString()

	roomId := sub.RoomId
	if roomId == "" {
		roomId = n.Cfg.RoomId
	}

	chat := &ChatMsg{
		Header: Header{
			Type:     MsgTypeChat,
			SenderId: n.Id,
			Term:     n.currentTerm,
			MsgId:    msgId,
			RoomId:   roomId,
		},
		Payload: sub.Text,
	}

	n.onChat(chat)

	sub.ReplyChan <- msgId
}

func (n *Node) onQuery(query recordQuery) {
	records, err := n.messageLog.RecordsAfter(query.After)

	query.ReplyChan <- recordQueryResult{
		Records: records,
		Err:     err,
	}
}

// --------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------

// deliverRecord is the single delivery callback: persist, then notify.
// Nothing else ever appends to the message log.
func (n *Node) deliverRecord(record Record) error {
	if err := n.messageLog.Append(record); err != nil {
		return fmt.Errorf("cannot persist message %d: %w",
			record.SeqNo, err)
	}

	n.Log.Info("[seq=%d] <node_%d> %s",
		record.SeqNo, record.SenderId, record.Text)

	if n.Cfg.OnDeliver != nil {
		n.Cfg.OnDeliver(record)
	}

	return nil
}

func (n *Node) header(msgType string) Header {
	return Header{
		Type:     msgType,
		SenderId: n.Id,
		Term:     n.currentTerm,
	}
}

func (n *Node) sendAsync(peer PeerInfo, msg Msg) {
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		err := n.sender.SendTo(peer, msg)

		select {
		case n.sendResultChan <- sendResult{PeerId: peer.Id, Err: err}:
		case <-n.stopChan:
		}
	}()
}

func tsNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)

	if !timer.Stop() {
		<-timer.C
	}

	return timer
}

func resetTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	timer.Reset(d)
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
