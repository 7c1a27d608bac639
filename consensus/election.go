package consensus

import (
	"github.com/vinayprograms/swarmkit/logging"
)

// resetElectionTimer re-arms the election timer with fresh jitter.
func (n *Node) resetElectionTimer() {
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.electionTimeout())
}

// becomeFollower demotes the node into the given term. Returns false
// if the node halted persisting the term change.
func (n *Node) becomeFollower(term uint64, leaderID string) bool {
	termChanged := term != n.currentTerm
	if termChanged {
		n.currentTerm = term
		n.votedFor = ""
	}

	wasLeader := n.role == Leader
	n.role = Follower
	n.leaderID = leaderID

	n.roleMirror.Store(Follower)
	n.termMirror.Store(n.currentTerm)
	n.leaderMirror.Store(leaderID)

	if wasLeader {
		n.heartbeat.Stop()
	}
	n.resetElectionTimer()

	if termChanged && !n.persistState() {
		return false
	}
	if wasLeader || termChanged {
		n.log.Info("became follower", logging.Fields{"term": n.currentTerm})
	}
	return true
}

// onElectionTimeout starts a new election unless already leader.
func (n *Node) onElectionTimeout() {
	if n.role == Leader {
		return
	}

	n.currentTerm++
	n.votedFor = n.cfg.NodeID
	n.role = Candidate
	n.leaderID = ""
	n.ballots = map[string]bool{n.cfg.NodeID: true}

	n.roleMirror.Store(Candidate)
	n.termMirror.Store(n.currentTerm)
	n.leaderMirror.Store("")

	if !n.persistState() {
		return
	}

	n.log.Info("starting election", logging.Fields{"term": n.currentTerm})
	n.resetElectionTimer()

	// A lone node needs no one's permission.
	if n.hasMajority() {
		n.becomeLeader()
		return
	}

	n.send("", &Message{
		Kind: KindRequestVote,
		RequestVote: &RequestVote{
			Term:         n.currentTerm,
			CandidateID:  n.cfg.NodeID,
			LastLogIndex: n.lastLogIndex(),
			LastLogTerm:  n.lastLogTerm(),
		},
	})
}

// onRequestVote answers a candidate's ballot request.
func (n *Node) onRequestVote(from string, req *RequestVote) {
	granted := false
	if req.Term >= n.currentTerm &&
		(n.votedFor == "" || n.votedFor == req.CandidateID) &&
		n.logUpToDate(req.LastLogIndex, req.LastLogTerm) {
		granted = true
	}

	if granted {
		n.votedFor = req.CandidateID
		if !n.persistState() {
			return
		}
		// Granting a ballot counts as hearing from a live peer.
		n.resetElectionTimer()
		n.log.Info("granted ballot", logging.Fields{"candidate": req.CandidateID, "term": req.Term})
	}

	n.send(from, &Message{
		Kind:      KindVoteReply,
		VoteReply: &VoteReply{Term: n.currentTerm, Granted: granted},
	})
}

// logUpToDate reports whether a candidate's log is at least as
// up-to-date as ours.
func (n *Node) logUpToDate(lastIndex, lastTerm uint64) bool {
	if lastTerm != n.lastLogTerm() {
		return lastTerm > n.lastLogTerm()
	}
	return lastIndex >= n.lastLogIndex()
}

// onVoteReply tallies ballots while campaigning. Leadership requires a
// true majority of the group, counting our own ballot.
func (n *Node) onVoteReply(from string, reply *VoteReply) {
	if n.role != Candidate || reply.Term != n.currentTerm || !reply.Granted {
		return
	}

	n.ballots[from] = true
	if n.hasMajority() {
		n.becomeLeader()
	}
}

func (n *Node) hasMajority() bool {
	return len(n.ballots) > n.groupSize()/2
}

// becomeLeader transitions to leader and starts the heartbeat.
func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderID = n.cfg.NodeID
	n.roleMirror.Store(Leader)
	n.leaderMirror.Store(n.cfg.NodeID)

	next := n.lastLogIndex() + 1
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = next
		n.matchIndex[peer] = 0
	}
	n.matchIndex[n.cfg.NodeID] = n.lastLogIndex()

	n.electionTimer.Stop()
	n.heartbeat.Reset(n.cfg.HeartbeatInterval)

	n.log.Info("became leader", logging.Fields{
		"term":    n.currentTerm,
		"ballots": len(n.ballots),
		"group":   n.groupSize(),
	})
	n.announceLeadership()
	n.broadcastAppend()
}

// announceLeadership publishes a leadership event for observers.
func (n *Node) announceLeadership() {
	if n.cfg.Events == nil {
		return
	}
	_, err := n.cfg.Events.PublishEvent("consensus-leader-elected", map[string]interface{}{
		"group_id":  n.cfg.GroupID,
		"leader_id": n.cfg.NodeID,
		"term":      n.currentTerm,
	}, n.cfg.NodeID, false, false)
	if err != nil {
		n.log.Warn("leadership announce failed", logging.Fields{"error": err.Error()})
	}
}
