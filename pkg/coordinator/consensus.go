package coordinator

import (
	"sync"
	"time"
)

// Proposal is a value put to a vote among peers, distinct from Raft's own
// internal leader election — this is an application-level poll the core
// uses for decisions that need explicit peer buy-in (e.g. a topology
// change), not every state mutation.
type Proposal struct {
	Value         interface{}
	Timeout       time.Duration
	RequiredVotes int
}

// ConsensusResult is consensus()'s outcome.
type ConsensusResult struct {
	Accepted bool
	Value    interface{}
	Votes    int
	Duration time.Duration
}

// VoteCaster asks one peer to vote on a proposal's value, returning
// whether that peer approved it. Coordinator.SetPeers wires in the actual
// transport-backed implementation; tests can stub it directly.
type VoteCaster func(value interface{}) bool

// runConsensus collects votes from casters concurrently until timeout,
// accepting once requiredVotes is reached.
func runConsensus(proposal Proposal, casters []VoteCaster) ConsensusResult {
	start := time.Now()
	if proposal.RequiredVotes <= 0 {
		return ConsensusResult{Accepted: true, Value: proposal.Value, Votes: 0, Duration: time.Since(start)}
	}

	votesCh := make(chan bool, len(casters))
	var wg sync.WaitGroup
	for _, cast := range casters {
		cast := cast
		wg.Add(1)
		go func() {
			defer wg.Done()
			votesCh <- cast(proposal.Value)
		}()
	}
	go func() {
		wg.Wait()
		close(votesCh)
	}()

	deadline := time.After(proposal.Timeout)
	votes := 0
	for {
		select {
		case v, ok := <-votesCh:
			if !ok {
				return ConsensusResult{
					Accepted: votes >= proposal.RequiredVotes,
					Value:    proposal.Value,
					Votes:    votes,
					Duration: time.Since(start),
				}
			}
			if v {
				votes++
			}
			if votes >= proposal.RequiredVotes {
				return ConsensusResult{Accepted: true, Value: proposal.Value, Votes: votes, Duration: time.Since(start)}
			}
		case <-deadline:
			return ConsensusResult{Accepted: false, Value: proposal.Value, Votes: votes, Duration: time.Since(start)}
		}
	}
}
