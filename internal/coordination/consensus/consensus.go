// Package consensus implements the proposal/vote engine: proposals move
// from open to a terminal approved/rejected/timed-out status once their
// configured tally strategy and quorum are satisfied.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/agentcore/infrastructure/errors"
)

// Strategy names a tally rule evaluated over a proposal's votes.
type Strategy string

const (
	StrategyMajority      Strategy = "majority"
	StrategySupermajority Strategy = "supermajority"
	StrategyUnanimous     Strategy = "unanimous"
	StrategyWeighted      Strategy = "weighted"
)

// Status is a proposal's lifecycle position.
type Status string

const (
	StatusActive    Status = "active"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed-out"
)

// Choice is a single agent's ballot.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// Proposal is a single decision put to the agent population for a vote.
type Proposal struct {
	ID             int64     `db:"id"`
	Title          string    `db:"title"`
	Description    string    `db:"description"`
	ProposerAgent  string    `db:"proposer_agent"`
	Strategy       string    `db:"strategy"`
	RequiredQuorum int       `db:"required_quorum"`
	Status         string    `db:"status"`
	CreatedAt      float64   `db:"created_at"`
	Deadline       float64   `db:"deadline"`
	DecidedAt      *float64  `db:"decided_at"`
}

// Vote is one agent's ballot on a proposal. A second vote from the same
// agent on the same proposal replaces the first (see CastVote).
type Vote struct {
	ProposalID int64   `db:"proposal_id"`
	AgentID    string  `db:"agent_id"`
	Choice     string  `db:"choice"`
	Confidence float64 `db:"confidence"`
	Weight     float64 `db:"weight"`
	CastAt     float64 `db:"cast_at"`
}

// Tally is the vote-count breakdown used by the strategy functions and
// exposed to callers inspecting a proposal's progress. ApproveCount and
// RejectCount are raw ballot counts (one per agent); WeightedApprove and
// WeightedReject are sum(weight*confidence), used only by the weighted
// strategy.
type Tally struct {
	ApproveCount   int
	RejectCount    int
	AbstainCount   int
	WeightedApprove float64
	WeightedReject  float64
	TotalVoters    int
}

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	proposer_agent TEXT NOT NULL,
	strategy TEXT NOT NULL,
	required_quorum INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at REAL NOT NULL,
	deadline REAL NOT NULL,
	decided_at REAL
);
CREATE TABLE IF NOT EXISTS votes (
	proposal_id INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	choice TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	weight REAL NOT NULL DEFAULT 1.0,
	cast_at REAL NOT NULL,
	PRIMARY KEY (proposal_id, agent_id)
);
CREATE INDEX IF NOT EXISTS idx_proposals_status_deadline ON proposals(status, deadline);
`

// Engine persists proposals and votes in a single SQLite file and
// evaluates tally strategies on demand.
type Engine struct {
	db *sqlx.DB
}

// Open creates or opens the consensus database at path.
func Open(path string) (*Engine, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("consensus: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("consensus: migrate: %w", err)
	}
	return &Engine{db: db}, nil
}

// Close releases the database handle.
func (e *Engine) Close() error { return e.db.Close() }

// Create opens a new proposal for voting and returns its id.
func (e *Engine) Create(ctx context.Context, title, description, proposerAgent string, strategy Strategy, requiredQuorum int, ttl time.Duration) (int64, error) {
	if title == "" {
		return 0, errors.InvalidInput("title", "must not be empty")
	}
	switch strategy {
	case StrategyMajority, StrategySupermajority, StrategyUnanimous, StrategyWeighted:
	default:
		return 0, errors.InvalidFormat("strategy", "one of majority, supermajority, unanimous, weighted")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := nowSeconds()
	res, err := e.db.ExecContext(ctx,
		`INSERT INTO proposals (title, description, proposer_agent, strategy, required_quorum, status, created_at, deadline)
		 VALUES (?, ?, ?, ?, ?, 'active', ?, ?)`,
		title, description, proposerAgent, string(strategy), requiredQuorum, now, now+ttl.Seconds())
	if err != nil {
		return 0, errors.ConsensusFailed("", err)
	}
	return res.LastInsertId()
}

// CastVote records agentID's ballot, replacing any prior vote from the
// same agent on the same proposal, then re-evaluates the proposal's
// tally. Voting on a non-active proposal is rejected.
func (e *Engine) CastVote(ctx context.Context, proposalID int64, agentID string, choice Choice, confidence, weight float64) error {
	switch choice {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
	default:
		return errors.InvalidFormat("choice", "one of approve, reject, abstain")
	}
	if weight <= 0 {
		weight = 1.0
	}

	p, err := e.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != string(StatusActive) {
		return errors.ConsensusFailed(fmt.Sprintf("%d", proposalID), fmt.Errorf("proposal is %s, not active", p.Status))
	}

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO votes (proposal_id, agent_id, choice, confidence, weight, cast_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proposal_id, agent_id) DO UPDATE SET choice = excluded.choice, confidence = excluded.confidence, weight = excluded.weight, cast_at = excluded.cast_at`,
		proposalID, agentID, string(choice), confidence, weight, nowSeconds())
	if err != nil {
		return errors.ConsensusFailed(fmt.Sprintf("%d", proposalID), err)
	}

	return e.evaluate(ctx, proposalID)
}

// Get returns a proposal by id.
func (e *Engine) Get(ctx context.Context, proposalID int64) (Proposal, error) {
	var p Proposal
	if err := e.db.GetContext(ctx, &p, `SELECT * FROM proposals WHERE id = ?`, proposalID); err != nil {
		return Proposal{}, errors.ConsensusFailed(fmt.Sprintf("%d", proposalID), err)
	}
	return p, nil
}

// Votes returns every vote cast on a proposal.
func (e *Engine) Votes(ctx context.Context, proposalID int64) ([]Vote, error) {
	var votes []Vote
	if err := e.db.SelectContext(ctx, &votes, `SELECT * FROM votes WHERE proposal_id = ? ORDER BY cast_at ASC`, proposalID); err != nil {
		return nil, errors.ConsensusFailed(fmt.Sprintf("%d", proposalID), err)
	}
	return votes, nil
}

// evaluate tallies the current votes and, if the strategy's condition
// (and any quorum) is met, moves the proposal to its terminal status.
func (e *Engine) evaluate(ctx context.Context, proposalID int64) error {
	p, err := e.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != string(StatusActive) {
		return nil
	}

	votes, err := e.Votes(ctx, proposalID)
	if err != nil {
		return err
	}
	tally := tallyVotes(votes)

	if p.RequiredQuorum > 0 && tally.TotalVoters < p.RequiredQuorum {
		return nil // wait for more votes or the deadline sweep
	}

	decided, approved := decide(Strategy(p.Strategy), tally, p.RequiredQuorum)
	if !decided {
		return nil
	}
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	return e.setTerminal(ctx, proposalID, status)
}

func (e *Engine) setTerminal(ctx context.Context, proposalID int64, status Status) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, decided_at = ? WHERE id = ? AND status = 'active'`,
		string(status), nowSeconds(), proposalID)
	if err != nil {
		return errors.ConsensusFailed(fmt.Sprintf("%d", proposalID), err)
	}
	return nil
}

// SweepDeadlines moves every active proposal whose deadline has passed to
// timed-out, unless its strategy+quorum already resolved to a decision —
// in which case it is decided accordingly.
func (e *Engine) SweepDeadlines(ctx context.Context) (int, error) {
	var expired []Proposal
	if err := e.db.SelectContext(ctx, &expired,
		`SELECT * FROM proposals WHERE status = 'active' AND deadline < ?`, nowSeconds()); err != nil {
		return 0, errors.ConsensusFailed("", err)
	}

	n := 0
	for _, p := range expired {
		votes, err := e.Votes(ctx, p.ID)
		if err != nil {
			return n, err
		}
		tally := tallyVotes(votes)
		decided, approved := false, false
		if p.RequiredQuorum <= 0 || tally.TotalVoters >= p.RequiredQuorum {
			decided, approved = decide(Strategy(p.Strategy), tally, p.RequiredQuorum)
		}

		status := StatusTimedOut
		if decided {
			status = StatusRejected
			if approved {
				status = StatusApproved
			}
		}
		if err := e.setTerminal(ctx, p.ID, status); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func tallyVotes(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		t.TotalVoters++
		switch Choice(v.Choice) {
		case ChoiceApprove:
			t.ApproveCount++
			t.WeightedApprove += v.Weight * v.Confidence
		case ChoiceReject:
			t.RejectCount++
			t.WeightedReject += v.Weight * v.Confidence
		case ChoiceAbstain:
			t.AbstainCount++
		}
	}
	return t
}

// decide applies a tally strategy as a pure function of the vote counts.
// decided reports whether the strategy's condition is currently met;
// approved (meaningful only when decided) reports the outcome.
func decide(strategy Strategy, t Tally, quorum int) (decided, approved bool) {
	switch strategy {
	case StrategyMajority:
		if t.ApproveCount > t.RejectCount {
			return true, true
		}
		if t.RejectCount > t.ApproveCount {
			return true, false
		}
		return false, false
	case StrategySupermajority:
		total := t.ApproveCount + t.RejectCount
		if total == 0 {
			return false, false
		}
		if float64(t.ApproveCount) >= (2.0/3.0)*float64(total) {
			return true, true
		}
		return false, false
	case StrategyUnanimous:
		if t.RejectCount > 0 {
			return true, false
		}
		if quorum > 0 && t.ApproveCount >= quorum {
			return true, true
		}
		if quorum == 0 && t.ApproveCount > 0 {
			return true, true
		}
		return false, false
	case StrategyWeighted:
		if t.WeightedApprove == 0 && t.WeightedReject == 0 {
			return false, false
		}
		if t.WeightedApprove > t.WeightedReject {
			return true, true
		}
		if t.WeightedReject > t.WeightedApprove {
			return true, false
		}
		return false, false
	default:
		return false, false
	}
}

// MarshalPayload is a convenience for callers that want to attach a
// structured payload to a proposal description.
func MarshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nowSeconds() float64 {
	return float64(time.Now().UTC().UnixNano()) / 1e9
}
