package audit

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/idgen"
)

// PostgresJournal is the production Journal backend (spec §4.9: "a
// Postgres-backed store for production"). Grounded on the teacher's
// budget.PostgresStorage (lib/pq + database/sql, upsert-style queries)
// generalized to an append-only, per-tenant hash chain; tested against
// DATA-DOG/go-sqlmock rather than a live database.
type PostgresJournal struct {
	db    *sql.DB
	ids   *idgen.Generator
	clock clock.Clock

	mu        sync.Mutex // in-process tenant write serialization
	tenantMus map[string]*sync.Mutex
}

// PostgresJournalOption configures a PostgresJournal.
type PostgresJournalOption func(*PostgresJournal)

// WithPostgresClock overrides the trusted clock (tests only).
func WithPostgresClock(c clock.Clock) PostgresJournalOption {
	return func(j *PostgresJournal) { j.clock = c }
}

// NewPostgresJournal wraps an already-opened *sql.DB. Callers own the
// connection lifecycle; NewPostgresJournal does not call db.Ping.
func NewPostgresJournal(db *sql.DB, opts ...PostgresJournalOption) *PostgresJournal {
	j := &PostgresJournal{
		db:        db,
		ids:       idgen.New(),
		clock:     clock.System{},
		tenantMus: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *PostgresJournal) lockTenant(tenantID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.tenantMus[tenantID]
	if !ok {
		m = &sync.Mutex{}
		j.tenantMus[tenantID] = m
	}
	return m
}

const createAuditEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id             TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	sequence_number      BIGINT NOT NULL,
	event_type           TEXT NOT NULL,
	action               TEXT NOT NULL,
	outcome              TEXT NOT NULL,
	timestamp_utc        TIMESTAMPTZ NOT NULL,
	actor_id             TEXT NOT NULL,
	actor_display_name   TEXT,
	resource_id          TEXT,
	resource_type        TEXT,
	session_id           TEXT,
	correlation_id       TEXT,
	ip_address           TEXT,
	user_agent           TEXT,
	classification       TEXT,
	reason               TEXT,
	metadata             JSONB,
	previous_event_hash  TEXT NOT NULL,
	event_hash           TEXT NOT NULL,
	UNIQUE (tenant_id, sequence_number)
)`

// Migrate creates the audit_events table if it does not already exist.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, createAuditEventsTable)
	return err
}

// Append implements Journal.
func (j *PostgresJournal) Append(ctx context.Context, e Event) (string, error) {
	lock := j.lockTenant(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	row := j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0), COALESCE(
			(SELECT event_hash FROM audit_events a2
			 WHERE a2.tenant_id = $1 ORDER BY sequence_number DESC LIMIT 1), '')
		 FROM audit_events WHERE tenant_id = $1`, e.TenantID)

	var lastSeq int64
	var lastHash string
	if err := row.Scan(&lastSeq, &lastHash); err != nil {
		return "", fmt.Errorf("audit: read tenant chain tail: %w", err)
	}

	e.EventID = j.ids.New()
	e.TimestampUtc = j.clock.Now().UTC()
	e.SequenceNumber = lastSeq + 1
	e.PreviousEventHash = lastHash

	hash, err := ComputeHash(e, e.PreviousEventHash)
	if err != nil {
		return "", err
	}
	e.EventHash = hash

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			event_id, tenant_id, sequence_number, event_type, action, outcome,
			timestamp_utc, actor_id, actor_display_name, resource_id, resource_type,
			session_id, correlation_id, ip_address, user_agent, classification,
			reason, metadata, previous_event_hash, event_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		e.EventID, e.TenantID, e.SequenceNumber, string(e.EventType), e.Action, string(e.Outcome),
		e.TimestampUtc, e.ActorID, e.ActorDisplayName, e.ResourceID, e.ResourceType,
		e.SessionID, e.CorrelationID, e.IPAddress, e.UserAgent, e.Classification,
		e.Reason, metaJSON, e.PreviousEventHash, e.EventHash)
	if err != nil {
		return "", fmt.Errorf("audit: insert event: %w", err)
	}

	return e.EventID, nil
}

const selectColumns = `event_id, tenant_id, sequence_number, event_type, action, outcome,
	timestamp_utc, actor_id, actor_display_name, resource_id, resource_type,
	session_id, correlation_id, ip_address, user_agent, classification,
	reason, metadata, previous_event_hash, event_hash`

func scanEvent(scanner interface {
	Scan(dest ...any) error
}) (Event, error) {
	var e Event
	var metaJSON []byte
	var actorDisplay, resourceID, resourceType, sessionID, correlationID sql.NullString
	var ipAddress, userAgent, classification, reason sql.NullString

	err := scanner.Scan(
		&e.EventID, &e.TenantID, &e.SequenceNumber, &e.EventType, &e.Action, &e.Outcome,
		&e.TimestampUtc, &e.ActorID, &actorDisplay, &resourceID, &resourceType,
		&sessionID, &correlationID, &ipAddress, &userAgent, &classification,
		&reason, &metaJSON, &e.PreviousEventHash, &e.EventHash,
	)
	if err != nil {
		return Event{}, err
	}

	e.ActorDisplayName = actorDisplay.String
	e.ResourceID = resourceID.String
	e.ResourceType = resourceType.String
	e.SessionID = sessionID.String
	e.CorrelationID = correlationID.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.Classification = classification.String
	e.Reason = reason.String

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("audit: unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

// GetByID implements Journal.
func (j *PostgresJournal) GetByID(ctx context.Context, tenantID, eventID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get by id: %w", err)
	}
	return &e, nil
}

// GetLast implements Journal.
func (j *PostgresJournal) GetLast(ctx context.Context, tenantID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE tenant_id = $1 ORDER BY sequence_number DESC LIMIT 1`,
		tenantID)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get last: %w", err)
	}
	return &e, nil
}

// Query implements Journal.
func (j *PostgresJournal) Query(ctx context.Context, q Query) ([]Event, error) {
	q = q.WithDefaults()

	where, args := buildWhere(q)
	order := "DESC"
	if q.SortAscending {
		order = "ASC"
	}
	stmt := fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s ORDER BY timestamp_utc %s LIMIT %d OFFSET %d`,
		selectColumns, where, order, q.MaxResults, q.Skip)

	rows, err := j.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan query row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count implements Journal.
func (j *PostgresJournal) Count(ctx context.Context, q Query) (int64, error) {
	where, args := buildWhere(q)
	row := j.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM audit_events WHERE %s`, where), args...)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

func buildWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	add("tenant_id = $%d", q.TenantID)
	if q.StartDate != nil {
		add("timestamp_utc >= $%d", *q.StartDate)
	}
	if q.EndDate != nil {
		add("timestamp_utc <= $%d", *q.EndDate)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.IPAddress != "" {
		add("ip_address = $%d", q.IPAddress)
	}
	if q.MinimumClassification != "" {
		add("classification = $%d", q.MinimumClassification)
	}
	if len(q.EventTypes) > 0 {
		types := make([]string, 0, len(q.EventTypes))
		for t := range q.EventTypes {
			types = append(types, string(t))
		}
		placeholders := make([]string, len(types))
		for i, t := range types {
			args = append(args, t)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(q.Outcomes) > 0 {
		outcomes := make([]string, 0, len(q.Outcomes))
		for o := range q.Outcomes {
			outcomes = append(outcomes, string(o))
		}
		placeholders := make([]string, len(outcomes))
		for i, o := range outcomes {
			args = append(args, o)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "outcome IN ("+strings.Join(placeholders, ",")+")")
	}

	return strings.Join(clauses, " AND "), args
}

// VerifyChain implements Journal.
func (j *PostgresJournal) VerifyChain(ctx context.Context, tenantID string, startDate, endDate time.Time) (*IntegrityResult, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE tenant_id = $1 AND timestamp_utc BETWEEN $2 AND $3 ORDER BY sequence_number ASC`,
		tenantID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("audit: verify chain query: %w", err)
	}
	defer rows.Close()

	result := &IntegrityResult{IsValid: true, StartDate: startDate, EndDate: endDate, VerifiedAt: j.clock.Now().UTC()}

	const maxViolations = 1000
	expectedPrev := ""
	first := true

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan verify row: %w", err)
		}
		if first {
			expectedPrev = e.PreviousEventHash
			first = false
		}

		if subtle.ConstantTimeCompare([]byte(e.PreviousEventHash), []byte(expectedPrev)) != 1 {
			result.recordViolation(e.EventID, "previousEventHash does not match the prior event's eventHash")
			if result.ViolationCount >= maxViolations {
				break
			}
			expectedPrev = e.EventHash
			continue
		}

		computed, err := ComputeHash(e, e.PreviousEventHash)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(computed), []byte(e.EventHash)) != 1 {
			result.recordViolation(e.EventID, "eventHash does not match its canonical encoding")
			if result.ViolationCount >= maxViolations {
				break
			}
		}

		result.EventsVerified++
		expectedPrev = e.EventHash
	}

	return result, rows.Err()
}
