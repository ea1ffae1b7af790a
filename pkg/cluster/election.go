package cluster

import (
	"time"
)

const DefaultElectionTimeout = 500 * time.Millisecond

type electionPhase int

const (
	electionIdle electionPhase = iota

	// ELECTION sent to higher-priority peers; waiting up to the
	// election timeout for an ELECTION_OK.
	electionWaitingOks

	// An ELECTION_OK arrived; a higher-priority peer should announce
	// itself within twice the election timeout, otherwise we start
	// over.
	electionWaitingCoordinator
)

// Election is the bully-election state machine. The node's main
// goroutine drives it: phase timers live on the node, so cancellation
// is a plain state reset and a timer never fires into stale state.
type Election struct {
	Log Logger

	timeout time.Duration

	phase         electionPhase
	candidateTerm Term
	okReceived    bool
}

func NewElection(timeout time.Duration, logger Logger) *Election {
	if timeout == 0 {
		timeout = DefaultElectionTimeout
	}

	return &Election{
		Log: logger,

		timeout: timeout,
	}
}

func (e *Election) Timeout() time.Duration {
	return e.timeout
}

func (e *Election) InProgress() bool {
	return e.phase != electionIdle
}

func (e *Election) CandidateTerm() Term {
	return e.candidateTerm
}

// Start opens an election round for the candidate term. The caller
// sends ELECTION to higher-priority peers and arms the timeout.
func (e *Election) Start(candidateTerm Term) {
	e.phase = electionWaitingOks
	e.candidateTerm = candidateTerm
	e.okReceived = false

	e.Log.Info("starting election for term %d", candidateTerm)
}

// RecordOk notes an ELECTION_OK from a higher-priority peer.
func (e *Election) RecordOk(from NodeId) {
	if e.phase != electionWaitingOks {
		e.Log.Debug(1, "ignoring ELECTION_OK from node %d outside election", from)
		return
	}

	e.Log.Info("node %d claims higher priority, standing down", from)
	e.okReceived = true
}

// OnTimeout advances the state machine when the current phase timer
// fires. It returns the action the node must take: win the election,
// keep waiting for a COORDINATOR, or restart from scratch.
func (e *Election) OnTimeout() electionOutcome {
	switch e.phase {
	case electionWaitingOks:
		if !e.okReceived {
			e.phase = electionIdle
			return electionWin
		}

		e.phase = electionWaitingCoordinator
		return electionAwaitCoordinator

	case electionWaitingCoordinator:
		// The higher-priority peer that sent ELECTION_OK never
		// announced itself.
		e.phase = electionIdle
		return electionRestart

	default:
		return electionNothing
	}
}

// Cancel clears any election in progress. Called when a COORDINATOR
// with a sufficient term is accepted, so that a pending timeout cannot
// promote this node afterwards.
func (e *Election) Cancel() {
	if e.phase == electionIdle {
		return
	}

	e.Log.Debug(1, "cancelling election for term %d", e.candidateTerm)
	e.phase = electionIdle
	e.okReceived = false
}

type electionOutcome int

const (
	electionNothing electionOutcome = iota
	electionWin
	electionAwaitCoordinator
	electionRestart
)
