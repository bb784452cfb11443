package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Filterable fields are
// stored as columns; the full rule document lives in a JSONB content column
// so the condition tree and actions round-trip without a relational mapping.
// Optimistic concurrency is enforced by the version check in the UPDATE's
// WHERE clause, so concurrent writers race on the database row, not on
// in-process state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store. The schema is
// managed by cmd/migrate; see migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Create inserts a new rule.
func (s *PostgresStore) Create(rule *Rule) error {
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	content, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rules (id, name, description, type, status, priority, enabled,
			effective_date, expiration_date, tags, version, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), string(rule.Status),
		rule.Priority, rule.Enabled, rule.EffectiveDate, rule.ExpirationDate,
		pq.Array(rule.Tags), rule.Version, content, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("rule with ID %s already exists", rule.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Update replaces the stored rule when expectedVersion matches. The version
// check and the write are one statement, so the losing concurrent writer
// sees zero affected rows.
func (s *PostgresStore) Update(rule *Rule, expectedVersion int) error {
	rule.UpdatedAt = time.Now()

	content, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, description = $2, type = $3, status = $4, priority = $5,
			enabled = $6, effective_date = $7, expiration_date = $8, tags = $9,
			version = $10, content = $11, updated_at = $12
		WHERE id = $13 AND version = $14
	`, rule.Name, rule.Description, string(rule.Type), string(rule.Status),
		rule.Priority, rule.Enabled, rule.EffectiveDate, rule.ExpirationDate,
		pq.Array(rule.Tags), rule.Version, content, rule.UpdatedAt,
		rule.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.FindByID(rule.ID)
		if err != nil {
			return err
		}
		return &VersionConflictError{
			RuleID:          rule.ID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}
	return nil
}

// Archive flips the rule status to archived without touching its version.
func (s *PostgresStore) Archive(id string) error {
	result, err := s.db.Exec(`
		UPDATE rules
		SET status = $1, enabled = false,
			content = jsonb_set(jsonb_set(content, '{status}', to_jsonb($1::text)), '{enabled}', 'false'),
			updated_at = $2
		WHERE id = $3
	`, string(StatusArchived), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to archive rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{RuleID: id}
	}
	return nil
}

// FindByID retrieves a rule by ID.
func (s *PostgresStore) FindByID(id string) (*Rule, error) {
	var content []byte
	err := s.db.QueryRow(`SELECT content FROM rules WHERE id = $1`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return decodeRule(content)
}

// FindMany returns rules matching the filter, ordered by ID ascending.
func (s *PostgresStore) FindMany(f Filter) ([]*Rule, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(string(f.Type)))
	}
	if len(f.Tags) > 0 {
		where = append(where, "tags @> "+arg(pq.Array(f.Tags)))
	}
	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		where = append(where, "(name ILIKE "+p+" OR description ILIKE "+p+")")
	}

	query := "SELECT content FROM rules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule, err := decodeRule(content)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// SaveVersion stores an immutable rule snapshot.
func (s *PostgresStore) SaveVersion(v *Version) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	content, err := json.Marshal(v.Content)
	if err != nil {
		return fmt.Errorf("failed to encode version content: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rule_versions (rule_id, version, content, changed_by, change_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.RuleID, v.Version, content, v.ChangedBy, v.ChangeNote, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// ListVersions returns a rule's version history, most recent first. A limit
// of zero or less returns the full history.
func (s *PostgresStore) ListVersions(ruleID string, limit int) ([]*Version, error) {
	query := `
		SELECT rule_id, version, content, changed_by, change_note, created_at
		FROM rule_versions
		WHERE rule_id = $1
		ORDER BY version DESC`
	args := []any{ruleID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		var (
			v       Version
			content []byte
		)
		if err := rows.Scan(&v.RuleID, &v.Version, &content, &v.ChangedBy,
			&v.ChangeNote, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if err := json.Unmarshal(content, &v.Content); err != nil {
			return nil, fmt.Errorf("failed to decode version content: %w", err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return out, nil
}

func decodeRule(content []byte) (*Rule, error) {
	var rule Rule
	if err := json.Unmarshal(content, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &rule, nil
}
