// Package audit records bridged HTTP exchanges in SQLite and lists them
// back for the audit endpoint.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Exchange is one bridged request and how it ended.
type Exchange struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Mode         string    `json:"mode"`
	Broker       string    `json:"broker"`
	Topics       []string  `json:"topics"`
	Actions      int       `json:"actions"`
	PayloadBytes int       `json:"payload_bytes"`
	Status       int       `json:"status"`
	Outcome      string    `json:"outcome"`
	ErrorIndex   *int      `json:"error_index,omitempty"`
	Message      string    `json:"message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter selects exchanges for List.
type Filter struct {
	Mode    string // optional: publish or subscribe
	Outcome string // optional: published, delivered or an error code
	Broker  string // optional: exact broker string
	Subject string // optional: token subject
	Limit   int    // default 50, max 200
	Offset  int
}

// ListResult is one page of exchanges, newest first.
type ListResult struct {
	Exchanges []Exchange `json:"exchanges"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// Repository stores and lists exchanges.
type Repository interface {
	Create(ctx context.Context, e *Exchange) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the Repository backed by the exchanges table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e, filling in ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Exchange) error {
	if e.ID == "" {
		e.ID = "exc-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	topics := e.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshalling topics: %w", err)
	}

	var errorIndex any
	if e.ErrorIndex != nil {
		errorIndex = *e.ErrorIndex
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, request_id, subject, mode, broker, topics, actions, payload_bytes,
		                        status, outcome, error_index, message, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.RequestID), nullableString(e.Subject), e.Mode, e.Broker, string(topicsJSON),
		e.Actions, e.PayloadBytes, e.Status, e.Outcome, errorIndex,
		nullableString(e.Message), e.DurationMS,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns exchanges matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	filter.Limit = min(filter.Limit, maxLimit)
	filter.Offset = max(filter.Offset, 0)

	var conditions []string
	var args []any
	for _, c := range []struct{ column, value string }{
		{"mode", filter.Mode},
		{"outcome", filter.Outcome},
		{"broker", filter.Broker},
		{"subject", filter.Subject},
	} {
		if c.value != "" {
			conditions = append(conditions, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM exchanges " + where //nolint:gosec // WHERE built from fixed column names with ? placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting exchanges: %w", err)
	}

	query := `SELECT id, request_id, subject, mode, broker, topics, actions, payload_bytes, status,
	                 outcome, error_index, message, duration_ms, created_at
	          FROM exchanges ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchanges: %w", err)
	}

	return &ListResult{
		Exchanges: exchanges,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	}, nil
}

func scanExchange(rows *sql.Rows) (Exchange, error) {
	var e Exchange
	var requestID, subject, message sql.NullString
	var errorIndex sql.NullInt64
	var topicsJSON, createdAt string

	if err := rows.Scan(&e.ID, &requestID, &subject, &e.Mode, &e.Broker, &topicsJSON, &e.Actions,
		&e.PayloadBytes, &e.Status, &e.Outcome, &errorIndex, &message, &e.DurationMS, &createdAt); err != nil {
		return Exchange{}, fmt.Errorf("scanning exchange: %w", err)
	}

	e.RequestID = requestID.String
	e.Subject = subject.String
	e.Message = message.String
	if errorIndex.Valid {
		idx := int(errorIndex.Int64)
		e.ErrorIndex = &idx
	}
	if err := json.Unmarshal([]byte(topicsJSON), &e.Topics); err != nil {
		return Exchange{}, fmt.Errorf("decoding topics of %s: %w", e.ID, err)
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Exchange{}, fmt.Errorf("parsing exchange timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}
