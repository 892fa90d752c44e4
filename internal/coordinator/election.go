package coordinator

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
)

// ElectionResult resolves an election future. Winner is the candidate
// with the most votes; ties break to the lexicographically smallest
// candidate id. TimedOut marks resolution by deadline rather than a
// full vote.
type ElectionResult struct {
	ElectionID string            `json:"election_id"`
	Winner     string            `json:"winner"`
	Votes      map[string]string `json:"votes"` // voter -> candidate
	TimedOut   bool              `json:"timed_out"`
}

// ElectionEvent is the payload on election:* events.
type ElectionEvent struct {
	ElectionID string            `json:"election_id"`
	Candidates []string          `json:"candidates"`
	Votes      map[string]string `json:"votes"`
	Winner     string            `json:"winner,omitempty"`
}

type election struct {
	id         string
	candidates []string
	voters     map[string]struct{} // expected voters; empty disables early resolve
	votes      map[string]string
	created    time.Time
	deadline   *time.Timer
	result     chan ElectionResult
	settled    bool
}

// ConductElection starts an election and returns its result future.
// voters is the expected voter set: when every expected voter has cast
// a vote the election resolves early. An empty voter set disables early
// resolution and the election runs to its deadline.
func (c *Coordinator) ConductElection(id string, candidates, voters []string, timeout time.Duration) (<-chan ElectionResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing election id", ErrValidation)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty candidate set", ErrValidation)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}

	e := &election{
		id:         id,
		candidates: slices.Clone(candidates),
		voters:     make(map[string]struct{}, len(voters)),
		votes:      make(map[string]string),
		created:    c.nowFn(),
		result:     make(chan ElectionResult, 1),
	}
	sort.Strings(e.candidates)
	for _, v := range voters {
		e.voters[v] = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator closed", ErrValidation)
	}
	if _, exists := c.elections[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: election %s", ErrDuplicateID, id)
	}
	c.elections[id] = e
	e.deadline = time.AfterFunc(timeout, func() { c.expireElection(id) })
	payload := e.eventPayload()
	c.mu.Unlock()

	c.publish(events.ElectionInProgress, payload)
	c.logDebug("election started", "id", id, "candidates", len(candidates), "timeout", timeout.String())
	return e.result, nil
}

// CastVote records one vote per voter. A second vote from the same
// voter is rejected, never overwritten.
func (c *Coordinator) CastVote(electionID, voter, candidate string) error {
	if voter == "" {
		return fmt.Errorf("%w: missing voter id", ErrValidation)
	}

	c.mu.Lock()
	e, ok := c.elections[electionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: election %s", ErrNotFound, electionID)
	}
	if !slices.Contains(e.candidates, candidate) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidate)
	}
	if _, dup := e.votes[voter]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyVoted, voter)
	}
	e.votes[voter] = candidate
	early := !e.settled && e.fullVote()
	if early {
		e.settled = true
		e.deadline.Stop()
	}
	c.mu.Unlock()

	c.logDebug("vote cast", "election", electionID, "voter", voter, "candidate", candidate)
	if early {
		c.settleElection(electionID, false)
	}
	return nil
}

// Election returns the live tally for an election.
func (c *Coordinator) Election(id string) (ElectionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.elections[id]
	if !ok {
		return ElectionEvent{}, fmt.Errorf("%w: election %s", ErrNotFound, id)
	}
	return e.eventPayload(), nil
}

// expireElection fires on the deadline timer.
func (c *Coordinator) expireElection(id string) {
	c.mu.Lock()
	e, ok := c.elections[id]
	if !ok || e.settled {
		c.mu.Unlock()
		return
	}
	e.settled = true
	e.deadline.Stop()
	c.mu.Unlock()

	c.settleElection(id, true)
}

// settleElection tallies the votes, resolves the future, and publishes
// the terminal event. A deadline resolution still elects a winner from
// the votes cast so far.
func (c *Coordinator) settleElection(id string, timedOut bool) {
	c.mu.Lock()
	e, ok := c.elections[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	winner := e.tally()
	votes := make(map[string]string, len(e.votes))
	for voter, candidate := range e.votes {
		votes[voter] = candidate
	}
	payload := e.eventPayload()
	payload.Winner = winner
	c.mu.Unlock()

	e.result <- ElectionResult{
		ElectionID: id,
		Winner:     winner,
		Votes:      votes,
		TimedOut:   timedOut,
	}
	if timedOut {
		c.publish(events.ElectionTimeout, payload)
		log.Warn(log.CatCoord, "election resolved at deadline", "id", id, "winner", winner, "votes", len(votes))
	} else {
		c.publish(events.ElectionCompleted, payload)
		log.Info(log.CatCoord, "election completed", "id", id, "winner", winner, "votes", len(votes))
	}
}

// fullVote reports whether every expected voter has voted. Elections
// without an expected voter set never resolve early.
func (e *election) fullVote() bool {
	if len(e.voters) == 0 {
		return false
	}
	for v := range e.voters {
		if _, ok := e.votes[v]; !ok {
			return false
		}
	}
	return true
}

// tally picks the winner: most votes, ties to the lexicographically
// smallest candidate id. Candidates is kept sorted, so the first
// candidate reaching the max count wins.
func (e *election) tally() string {
	counts := make(map[string]int, len(e.candidates))
	for _, candidate := range e.votes {
		counts[candidate]++
	}
	winner := ""
	best := -1
	for _, candidate := range e.candidates {
		if counts[candidate] > best {
			best = counts[candidate]
			winner = candidate
		}
	}
	return winner
}

func (e *election) eventPayload() ElectionEvent {
	votes := make(map[string]string, len(e.votes))
	for voter, candidate := range e.votes {
		votes[voter] = candidate
	}
	return ElectionEvent{
		ElectionID: e.id,
		Candidates: slices.Clone(e.candidates),
		Votes:      votes,
	}
}
