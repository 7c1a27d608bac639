package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	data BLOB,
	source_agent_id TEXT NOT NULL,
	swarm_id TEXT NOT NULL,
	is_global INTEGER NOT NULL DEFAULT 0,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_replay ON events(swarm_id, type, timestamp);

CREATE TABLE IF NOT EXISTS log_entries (
	node_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	term INTEGER NOT NULL,
	command_type TEXT NOT NULL,
	command_data BLOB,
	applied INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(node_id, group_id, idx)
);

CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	swarm_id TEXT NOT NULL,
	type TEXT NOT NULL,
	subject TEXT NOT NULL,
	description TEXT,
	options TEXT NOT NULL,
	strategy TEXT NOT NULL,
	required_quorum REAL NOT NULL,
	status TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	option_counts TEXT,
	weighted_counts TEXT,
	winner TEXT,
	closed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_votes_swarm ON votes(swarm_id, status, created_at);

CREATE TABLE IF NOT EXISTS vote_responses (
	vote_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	option TEXT NOT NULL,
	confidence REAL NOT NULL,
	rationale TEXT,
	weight REAL NOT NULL,
	voted_at TIMESTAMP NOT NULL,
	PRIMARY KEY(vote_id, agent_id)
);
`

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (and migrates) a SQLite-backed store at the given path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// AppendEvent stores one event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id,type,data,source_agent_id,swarm_id,is_global,timestamp) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.Data, e.SourceAgentID, e.SwarmID, boolInt(e.IsGlobal), e.Timestamp.UTC())
	return err
}

// QueryEvents returns matching events in ascending timestamp order.
func (s *SQLiteStore) QueryEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	if f.SwarmID != "" {
		conds = append(conds, "swarm_id=?")
		args = append(args, f.SwarmID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp>=?")
		args = append(args, f.Since.UTC())
	}

	q := `SELECT id,type,data,source_agent_id,swarm_id,is_global,timestamp FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []EventRecord
	for rows.Next() {
		var (
			e      EventRecord
			global int
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Data, &e.SourceAgentID, &e.SwarmID, &global, &e.Timestamp); err != nil {
			return nil, err
		}
		e.IsGlobal = global != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

// AppendLogEntries stores entries for a node's log.
func (s *SQLiteStore) AppendLogEntries(ctx context.Context, entries []LogEntryRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO log_entries(node_id,group_id,idx,term,command_type,command_data,applied) VALUES (?,?,?,?,?,?,?)`,
			e.NodeID, e.GroupID, e.Index, e.Term, e.CommandType, e.CommandData, boolInt(e.Applied)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TruncateLog removes a node's entries at and past fromIndex.
func (s *SQLiteStore) TruncateLog(ctx context.Context, nodeID, groupID string, fromIndex uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM log_entries WHERE node_id=? AND group_id=? AND idx>=?`,
		nodeID, groupID, fromIndex)
	return err
}

// QueryLog returns a node's log entries in ascending index order.
func (s *SQLiteStore) QueryLog(ctx context.Context, nodeID, groupID string) ([]LogEntryRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id,group_id,idx,term,command_type,command_data,applied FROM log_entries WHERE node_id=? AND group_id=? ORDER BY idx ASC`,
		nodeID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []LogEntryRecord
	for rows.Next() {
		var (
			e       LogEntryRecord
			applied int
		)
		if err := rows.Scan(&e.NodeID, &e.GroupID, &e.Index, &e.Term, &e.CommandType, &e.CommandData, &applied); err != nil {
			return nil, err
		}
		e.Applied = applied != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkApplied sets the applied flag on one entry.
func (s *SQLiteStore) MarkApplied(ctx context.Context, nodeID, groupID string, index uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE log_entries SET applied=1 WHERE node_id=? AND group_id=? AND idx=?`,
		nodeID, groupID, index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveVote inserts or updates a vote record.
func (s *SQLiteStore) SaveVote(ctx context.Context, v VoteRecord) error {
	if err := s.check(); err != nil {
		return err
	}

	options, err := json.Marshal(v.Options)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(v.OptionCounts)
	if err != nil {
		return err
	}
	weighted, err := json.Marshal(v.WeightedCounts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO votes(id,swarm_id,type,subject,description,options,strategy,required_quorum,status,created_by,created_at,expires_at,option_counts,weighted_counts,winner,closed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.SwarmID, v.Type, v.Subject, v.Description, string(options), v.Strategy, v.RequiredQuorum,
		v.Status, v.CreatedBy, v.CreatedAt.UTC(), v.ExpiresAt.UTC(), string(counts), string(weighted),
		v.Winner, nullableTime(v.ClosedAt))
	return err
}

// GetVote returns a vote by ID.
func (s *SQLiteStore) GetVote(ctx context.Context, id string) (*VoteRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return scanVote(s.db.QueryRowContext(ctx,
		`SELECT id,swarm_id,type,subject,COALESCE(description,''),options,strategy,required_quorum,status,created_by,created_at,expires_at,COALESCE(option_counts,'{}'),COALESCE(weighted_counts,'{}'),COALESCE(winner,''),closed_at FROM votes WHERE id=?`, id))
}

// ListVotes returns matching votes in ascending creation order.
func (s *SQLiteStore) ListVotes(ctx context.Context, f VoteFilter) ([]VoteRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if f.SwarmID != "" {
		conds = append(conds, "swarm_id=?")
		args = append(args, f.SwarmID)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}

	q := `SELECT id,swarm_id,type,subject,COALESCE(description,''),options,strategy,required_quorum,status,created_by,created_at,expires_at,COALESCE(option_counts,'{}'),COALESCE(weighted_counts,'{}'),COALESCE(winner,''),closed_at FROM votes`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []VoteRecord
	for rows.Next() {
		v, err := scanVoteRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}
	return res, rows.Err()
}

// SaveVoteResponse upserts a response keyed on (VoteID, AgentID).
func (s *SQLiteStore) SaveVoteResponse(ctx context.Context, r VoteResponseRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vote_responses(vote_id,agent_id,option,confidence,rationale,weight,voted_at) VALUES (?,?,?,?,?,?,?)`,
		r.VoteID, r.AgentID, r.Option, r.Confidence, r.Rationale, r.Weight, r.VotedAt.UTC())
	return err
}

// ListVoteResponses returns all responses for a vote in ascending cast order.
func (s *SQLiteStore) ListVoteResponses(ctx context.Context, voteID string) ([]VoteResponseRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT vote_id,agent_id,option,confidence,COALESCE(rationale,''),weight,voted_at FROM vote_responses WHERE vote_id=? ORDER BY voted_at ASC`,
		voteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []VoteResponseRecord
	for rows.Next() {
		var r VoteResponseRecord
		if err := rows.Scan(&r.VoteID, &r.AgentID, &r.Option, &r.Confidence, &r.Rationale, &r.Weight, &r.VotedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Ping verifies the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVote(row *sql.Row) (*VoteRecord, error) {
	v, err := scanVoteRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return v, err
}

func scanVoteRows(row rowScanner) (*VoteRecord, error) {
	var (
		v                         VoteRecord
		options, counts, weighted string
		closedAt                  sql.NullTime
	)
	err := row.Scan(&v.ID, &v.SwarmID, &v.Type, &v.Subject, &v.Description, &options, &v.Strategy,
		&v.RequiredQuorum, &v.Status, &v.CreatedBy, &v.CreatedAt, &v.ExpiresAt, &counts, &weighted,
		&v.Winner, &closedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &v.Options); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(counts), &v.OptionCounts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weighted), &v.WeightedCounts); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		v.ClosedAt = closedAt.Time
	}
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
