package scp

import (
	"sort"
	"sync"
	"time"

	"github.com/scpchain/scpd/types"
)

// slotPhase is the three-state machine of §3's SCP Slot State:
// Nominating, Balloting, Externalized (terminal).
type slotPhase uint8

const (
	phaseNominating slotPhase = iota
	phaseBalloting
	phaseExternalized
)

// nominationTimeout and ballotTimeout are the fixed round delays used
// when no progress is observed. A production deployment would likely
// grow these with the ballot counter; a fixed delay keeps this driver's
// liveness behavior easy to reason about and test.
const (
	nominationTimeout = 1 * time.Second
	ballotTimeout      = 2 * time.Second
)

// Slot runs one height's federated voting to completion: nomination,
// then ballot prepare/confirm, then externalization. A Slot is created
// once per height and is never reused once externalized.
type Slot struct {
	height    types.Height
	ownKey    types.PublicKey
	quorum    *types.QuorumConfig
	nominator Nominator
	timers    *timerSet

	mu    sync.Mutex
	phase slotPhase

	ownVotes     map[Value]bool
	ownAccepted  map[Value]bool
	peerVotes    map[types.PublicKey]map[Value]bool
	peerAccepted map[types.PublicKey]map[Value]bool

	currentBallot        Ballot
	highestPrepared      *Ballot
	highestPreparedPrime *Ballot
	nC, nH               uint32
	confirmedPrepare     bool
	peerPrepare          map[types.PublicKey]Statement
	peerConfirm          map[types.PublicKey]Statement
	peerExternalize      map[types.PublicKey]Value

	externalized      bool
	externalizedValue Value
}

func newSlot(height types.Height, ownKey types.PublicKey, quorum *types.QuorumConfig, nominator Nominator) *Slot {
	return &Slot{
		height:       height,
		ownKey:       ownKey,
		quorum:       quorum,
		nominator:    nominator,
		timers:       newTimerSet(),
		phase:        phaseNominating,
		ownVotes:     make(map[Value]bool),
		ownAccepted:  make(map[Value]bool),
		peerVotes:    make(map[types.PublicKey]map[Value]bool),
		peerAccepted: make(map[types.PublicKey]map[Value]bool),
		peerPrepare:  make(map[types.PublicKey]Statement),
		peerConfirm:  make(map[types.PublicKey]Statement),
		peerExternalize: make(map[types.PublicKey]Value),
	}
}

func sortValues(vals map[Value]bool) []Value {
	out := make([]Value, 0, len(vals))
	for v := range vals {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// nominate adds proposed to this slot's own vote set and (re)broadcasts
// a NOMINATE statement. It is a no-op once the slot has left the
// nominating phase.
func (s *Slot) nominate(proposed Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseNominating {
		return
	}
	if s.ownVotes[proposed] {
		return
	}
	s.ownVotes[proposed] = true
	s.broadcastNominateLocked()
	s.armNominationTimerLocked()
}

func (s *Slot) broadcastNominateLocked() {
	env := &Envelope{Statement: Statement{
		Phase:    PhaseNominate,
		Slot:     s.height,
		Votes:    sortValues(s.ownVotes),
		Accepted: sortValues(s.ownAccepted),
	}}
	s.emitLocked(env)
}

func (s *Slot) armNominationTimerLocked() {
	id := s.timers.next(TimerNomination)
	s.nominator.SetupTimer(s.height, TimerNomination, id, nominationTimeout, func() {
		s.onNominationTimeout(id)
	})
}

func (s *Slot) onNominationTimeout(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timers.isLive(TimerNomination, id) || s.phase != phaseNominating {
		return
	}
	if len(s.ownAccepted) > 0 {
		s.startBallotingLocked(s.ownAccepted)
		return
	}
	s.armNominationTimerLocked()
}

// receiveEnvelope processes one signed statement from a peer (or the
// node's own loopback delivery of its own envelopes).
func (s *Slot) receiveEnvelope(env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.externalized && env.Statement.Phase != PhaseExternalize {
		return
	}
	switch env.Statement.Phase {
	case PhaseNominate:
		s.handleNominateLocked(env)
	case PhasePrepare:
		s.handlePrepareLocked(env)
	case PhaseConfirm:
		s.handleConfirmLocked(env)
	case PhaseExternalize:
		s.handleExternalizeLocked(env)
	}
}

func (s *Slot) handleNominateLocked(env *Envelope) {
	if s.phase != phaseNominating {
		return
	}
	votes := make(map[Value]bool, len(env.Statement.Votes))
	for _, v := range env.Statement.Votes {
		votes[v] = true
	}
	accepted := make(map[Value]bool, len(env.Statement.Accepted))
	for _, v := range env.Statement.Accepted {
		accepted[v] = true
	}
	s.peerVotes[env.PublicKey] = votes
	s.peerAccepted[env.PublicKey] = accepted

	candidates := make(map[Value]bool)
	for v := range s.ownVotes {
		candidates[v] = true
	}
	for v := range s.ownAccepted {
		candidates[v] = true
	}
	for _, vs := range s.peerVotes {
		for v := range vs {
			candidates[v] = true
		}
	}
	for _, as := range s.peerAccepted {
		for v := range as {
			candidates[v] = true
		}
	}

	changed := false
	for v := range candidates {
		if s.ownAccepted[v] {
			continue
		}
		voted := s.assertedFor(v, false)
		alreadyAccepted := s.assertedFor(v, true)
		if quorumAccepts(s.quorum, voted) || vBlockingAccepts(s.quorum, voted) ||
			quorumAccepts(s.quorum, alreadyAccepted) || vBlockingAccepts(s.quorum, alreadyAccepted) {
			s.ownAccepted[v] = true
			s.ownVotes[v] = true
			changed = true
		}
	}
	if changed {
		s.broadcastNominateLocked()
	}

	for v := range s.ownAccepted {
		if quorumAccepts(s.quorum, s.assertedFor(v, true)) {
			s.startBallotingLocked(s.ownAccepted)
			return
		}
	}
}

// assertedFor builds the sender-set asserting v: either "voted for v"
// (accepted=false) or "accepted v as nominated" (accepted=true),
// folding in the node's own state.
func (s *Slot) assertedFor(v Value, accepted bool) map[types.PublicKey]bool {
	out := make(map[types.PublicKey]bool)
	if accepted {
		if s.ownAccepted[v] {
			out[s.ownKey] = true
		}
		for pub, as := range s.peerAccepted {
			if as[v] {
				out[pub] = true
			}
		}
		return out
	}
	if s.ownVotes[v] {
		out[s.ownKey] = true
	}
	for pub, vs := range s.peerVotes {
		if vs[v] {
			out[pub] = true
		}
	}
	return out
}

func (s *Slot) startBallotingLocked(candidates map[Value]bool) {
	if s.phase != phaseNominating {
		return
	}
	s.phase = phaseBalloting
	s.timers.cancelAll(TimerNomination)
	value := s.nominator.CombineCandidates(s.height, sortValues(candidates))
	s.currentBallot = Ballot{Counter: 1, Value: value}
	s.broadcastPrepareLocked()
	s.armBallotTimerLocked()
}

func (s *Slot) broadcastPrepareLocked() {
	env := &Envelope{Statement: Statement{
		Phase:         PhasePrepare,
		Slot:          s.height,
		Ballot:        s.currentBallot,
		Prepared:      s.highestPrepared,
		PreparedPrime: s.highestPreparedPrime,
		NC:            s.nC,
		NH:            s.nH,
	}}
	s.emitLocked(env)
}

func (s *Slot) broadcastConfirmLocked() {
	env := &Envelope{Statement: Statement{
		Phase:  PhaseConfirm,
		Slot:   s.height,
		Ballot: s.currentBallot,
		NC:     s.nC,
		NH:     s.nH,
	}}
	s.emitLocked(env)
}

func (s *Slot) armBallotTimerLocked() {
	id := s.timers.next(TimerBallot)
	s.nominator.SetupTimer(s.height, TimerBallot, id, ballotTimeout, func() {
		s.onBallotTimeout(id)
	})
}

func (s *Slot) onBallotTimeout(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timers.isLive(TimerBallot, id) || s.phase != phaseBalloting {
		return
	}
	s.currentBallot.Counter++
	s.broadcastPrepareLocked()
	s.armBallotTimerLocked()
}

// handlePrepareLocked implements vote-prepare/accept-prepare. A node
// still nominating that observes a peer already ballotting adopts that
// peer's ballot value as its own sole candidate, so a late node can
// still converge instead of ballotting forever on its own.
func (s *Slot) handlePrepareLocked(env *Envelope) {
	if s.phase == phaseNominating {
		s.startBallotingLocked(map[Value]bool{env.Statement.Ballot.Value: true})
	}
	if s.phase != phaseBalloting {
		return
	}
	s.peerPrepare[env.PublicKey] = env.Statement
	s.attemptAcceptPrepareLocked()
}

func (s *Slot) attemptAcceptPrepareLocked() {
	if s.confirmedPrepare {
		return
	}
	asserted := map[types.PublicKey]bool{s.ownKey: true}
	for pub, stmt := range s.peerPrepare {
		if stmt.Ballot.Value == s.currentBallot.Value && stmt.Ballot.Counter >= s.currentBallot.Counter {
			asserted[pub] = true
		}
	}
	for pub, stmt := range s.peerConfirm {
		if stmt.Ballot.Value == s.currentBallot.Value && stmt.Ballot.Counter >= s.currentBallot.Counter {
			asserted[pub] = true
		}
	}
	if !quorumAccepts(s.quorum, asserted) && !vBlockingAccepts(s.quorum, asserted) {
		return
	}
	if s.highestPrepared == nil || s.currentBallot.Compare(*s.highestPrepared) > 0 {
		b := s.currentBallot
		s.highestPrepared = &b
	}
	s.confirmedPrepare = true
	s.nC = s.currentBallot.Counter
	s.nH = s.currentBallot.Counter
	s.broadcastConfirmLocked()
	s.attemptConfirmCommitLocked()
}

func (s *Slot) handleConfirmLocked(env *Envelope) {
	if s.phase == phaseNominating {
		s.startBallotingLocked(map[Value]bool{env.Statement.Ballot.Value: true})
	}
	if s.phase != phaseBalloting {
		return
	}
	s.peerConfirm[env.PublicKey] = env.Statement
	s.attemptConfirmCommitLocked()
}

func (s *Slot) attemptConfirmCommitLocked() {
	if !s.confirmedPrepare {
		return
	}
	asserted := map[types.PublicKey]bool{s.ownKey: true}
	for pub, stmt := range s.peerConfirm {
		if stmt.Ballot.Value != s.currentBallot.Value {
			continue
		}
		if stmt.NC <= s.currentBallot.Counter && s.currentBallot.Counter <= stmt.NH {
			asserted[pub] = true
		}
	}
	if !quorumAccepts(s.quorum, asserted) {
		return
	}
	s.externalizeLocked(s.currentBallot.Value)
}

func (s *Slot) externalizeLocked(value Value) {
	if s.externalized {
		return
	}
	s.phase = phaseExternalized
	s.externalized = true
	s.externalizedValue = value
	s.timers.cancelAll(TimerBallot)
	env := &Envelope{Statement: Statement{
		Phase:  PhaseExternalize,
		Slot:   s.height,
		Ballot: Ballot{Counter: s.currentBallot.Counter, Value: value},
		NH:     s.nH,
	}}
	s.emitLocked(env)
	s.nominator.ValueExternalized(s.height, value)
}

// handleExternalizeLocked lets a node that is behind catch up directly
// to externalization once a v-blocking or quorum set of peers reports
// having done so, rather than replaying the full ballot protocol.
func (s *Slot) handleExternalizeLocked(env *Envelope) {
	if s.externalized {
		return
	}
	s.peerExternalize[env.PublicKey] = env.Statement.Ballot.Value
	asserted := make(map[types.PublicKey]bool, len(s.peerExternalize))
	var value Value
	for pub, v := range s.peerExternalize {
		if v == env.Statement.Ballot.Value {
			asserted[pub] = true
			value = v
		}
	}
	if quorumAccepts(s.quorum, asserted) || vBlockingAccepts(s.quorum, asserted) {
		s.currentBallot = Ballot{Counter: 1, Value: value}
		s.externalizeLocked(value)
	}
}

func (s *Slot) emitLocked(env *Envelope) {
	if err := s.nominator.SignEnvelope(env); err != nil {
		return
	}
	s.nominator.EmitEnvelope(env)
}

// Phase reports the slot's current phase, for diagnostics and tests.
func (s *Slot) Phase() (nominating, balloting, externalized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseNominating, s.phase == phaseBalloting, s.phase == phaseExternalized
}

// ExternalizedValue returns the slot's agreed value and true once
// externalized, or the zero value and false beforehand.
func (s *Slot) ExternalizedValue() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalizedValue, s.externalized
}
