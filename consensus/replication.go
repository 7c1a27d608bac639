package consensus

import (
	"context"
	"sort"
	"time"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
)

// broadcastAppend sends AppendEntries to every peer, tailored to each
// peer's next index. Doubles as the heartbeat.
func (n *Node) broadcastAppend() {
	for _, peer := range n.cfg.Peers {
		n.sendAppend(peer)
	}
}

func (n *Node) sendAppend(peer string) {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}

	prevIndex := next - 1
	var prevTerm uint64
	if prev, ok := n.entryAt(prevIndex); ok {
		prevTerm = prev.Term
	}

	var entries []LogEntry
	if next <= n.lastLogIndex() {
		entries = append(entries, n.entries[next-1:]...)
	}

	n.send(peer, &Message{
		Kind: KindAppend,
		Append: &AppendEntries{
			Term:         n.currentTerm,
			LeaderID:     n.cfg.NodeID,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
		},
	})
}

// onAppendEntries handles heartbeat and replication from the leader.
func (n *Node) onAppendEntries(from string, req *AppendEntries) {
	if req.Term < n.currentTerm {
		n.send(from, &Message{
			Kind:        KindAppendReply,
			AppendReply: &AppendReply{Term: n.currentTerm, Success: false},
		})
		return
	}

	// Valid append from the current leader.
	if n.role != Follower || n.leaderID != req.LeaderID {
		if !n.becomeFollower(req.Term, req.LeaderID) {
			return
		}
	}
	n.resetElectionTimer()

	// Consistency check: our entry at prevLogIndex must match.
	if req.PrevLogIndex > 0 {
		prev, ok := n.entryAt(req.PrevLogIndex)
		if !ok || prev.Term != req.PrevLogTerm {
			n.send(from, &Message{
				Kind:        KindAppendReply,
				AppendReply: &AppendReply{Term: n.currentTerm, Success: false},
			})
			return
		}
	}

	// Append new entries, truncating past any conflict.
	for _, entry := range req.Entries {
		if existing, ok := n.entryAt(entry.Index); ok {
			if existing.Term == entry.Term {
				continue
			}
			if !n.truncateLog(entry.Index) {
				return
			}
			n.entries = n.entries[:entry.Index-1]
			if n.commitIndex > uint64(len(n.entries)) {
				n.commitIndex = uint64(len(n.entries))
				n.commitMirror.Store(n.commitIndex)
			}
		}
		if !n.persistEntries([]LogEntry{entry}) {
			return
		}
		n.entries = append(n.entries, entry)
	}

	if req.LeaderCommit > n.commitIndex {
		n.commitIndex = min(req.LeaderCommit, n.lastLogIndex())
		n.commitMirror.Store(n.commitIndex)
		n.applyCommitted()
	}

	// Report only what this request proved replicated; stale tail
	// entries past the leader's view must not inflate the match.
	matched := req.PrevLogIndex + uint64(len(req.Entries))
	n.send(from, &Message{
		Kind:        KindAppendReply,
		AppendReply: &AppendReply{Term: n.currentTerm, Success: true, MatchIndex: matched},
	})
}

// onAppendReply updates replication progress and advances the commit
// index.
func (n *Node) onAppendReply(from string, reply *AppendReply) {
	if n.role != Leader || reply.Term != n.currentTerm {
		return
	}

	if !reply.Success {
		// Back up and retry on the next heartbeat.
		if n.nextIndex[from] > 1 {
			n.nextIndex[from]--
		}
		return
	}

	if reply.MatchIndex > n.matchIndex[from] {
		n.matchIndex[from] = reply.MatchIndex
	}
	n.nextIndex[from] = n.matchIndex[from] + 1
	n.advanceCommit()
}

// advanceCommit moves the commit index to the highest entry replicated
// on a majority, provided that entry is from the current term.
func (n *Node) advanceCommit() {
	if n.role != Leader {
		return
	}

	matches := make([]uint64, 0, n.groupSize())
	matches = append(matches, n.lastLogIndex())
	for _, peer := range n.cfg.Peers {
		matches = append(matches, n.matchIndex[peer])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	// matches[majority-1] is the highest index replicated on a majority.
	candidate := matches[n.groupSize()/2]
	if candidate <= n.commitIndex {
		return
	}
	entry, ok := n.entryAt(candidate)
	if !ok || entry.Term != n.currentTerm {
		return
	}

	n.commitIndex = candidate
	n.commitMirror.Store(n.commitIndex)
	n.log.Debug("commit advanced", logging.Fields{"index": candidate})
	n.applyCommitted()
}

// applyCommitted applies entries up to the commit index, in order,
// marking each durably applied.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		entry, ok := n.entryAt(n.lastApplied + 1)
		if !ok {
			return
		}

		if n.cfg.Apply != nil {
			if err := n.cfg.Apply(entry); err != nil {
				n.log.Error("apply failed, retrying on next commit", logging.Fields{
					"index": entry.Index,
					"error": err.Error(),
				})
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := n.cfg.LogStore.MarkApplied(ctx, n.cfg.NodeID, n.cfg.GroupID, entry.Index)
		cancel()
		if err != nil {
			n.fail(errors.FatalState("mark entry applied", err))
			return
		}
		n.lastApplied = entry.Index
	}
}
