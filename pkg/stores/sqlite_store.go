package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/session"
	"github.com/groundcrew/groundcrew/pkg/vault"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed record store.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, the DSN flag alone is not enough.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *session.Session) error {
	resources, err := json.Marshal(sess.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	progress, err := json.Marshal(sess.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	var summary *string
	if sess.Summary != nil {
		b, err := json.Marshal(sess.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		str := string(b)
		summary = &str
	}

	var excerpt *string
	if len(sess.FailureExcerpt) > 0 {
		b, err := json.Marshal(sess.FailureExcerpt)
		if err != nil {
			return fmt.Errorf("failed to marshal failure excerpt: %w", err)
		}
		str := string(b)
		excerpt = &str
	}

	query := `
		INSERT INTO sessions (
			tenant_id, id, user, project_digest, provider, state,
			resources, summary, cost_estimate, progress, approver,
			last_error, failure_excerpt, instance_count,
			created_at, updated_at, expires_at, applied_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			state = excluded.state,
			resources = excluded.resources,
			summary = excluded.summary,
			cost_estimate = excluded.cost_estimate,
			progress = excluded.progress,
			approver = excluded.approver,
			last_error = excluded.last_error,
			failure_excerpt = excluded.failure_excerpt,
			instance_count = excluded.instance_count,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			applied_at = excluded.applied_at
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.TenantID,
		sess.ID,
		sess.User,
		sess.ProjectDigest,
		sess.Provider,
		string(sess.State),
		string(resources),
		summary,
		sess.CostEstimate,
		string(progress),
		sess.Approver,
		sess.LastError,
		excerpt,
		sess.RequestedInstances(),
		sess.CreatedAt,
		sess.UpdatedAt,
		sess.ExpiresAt,
		sess.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

const sessionColumns = `
	tenant_id, id, user, project_digest, provider, state,
	resources, summary, cost_estimate, progress, approver,
	last_error, failure_excerpt, created_at, updated_at, expires_at, applied_at
`

// GetSession retrieves a session. A session belonging to a different
// tenant is reported as not found.
func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, id string) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ? AND id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.NewNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions lists a tenant's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string, limit, offset int) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListExpiredSessions returns sessions across all tenants whose TTL
// elapsed and that are still eligible for expiry. Terminal sessions are
// done and applying sessions are never interrupted.
func (s *SQLiteStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE expires_at <= ?
		  AND state NOT IN ('applying', 'applied', 'failed', 'cancelled', 'expired')`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// CountTenantInstances sums the instance counts of a tenant's applied
// sessions. This is the "current" count for the policy instance check.
func (s *SQLiteStore) CountTenantInstances(ctx context.Context, tenantID string) (int, error) {
	query := `SELECT COALESCE(SUM(instance_count), 0) FROM sessions WHERE tenant_id = ? AND state = 'applied'`

	var count int
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tenant instances: %w", err)
	}
	return count, nil
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return session.NewNotFound(id)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess      session.Session
		state     string
		resources string
		summary   sql.NullString
		progress  string
		excerpt   sql.NullString
	)

	err := row.Scan(
		&sess.TenantID,
		&sess.ID,
		&sess.User,
		&sess.ProjectDigest,
		&sess.Provider,
		&state,
		&resources,
		&summary,
		&sess.CostEstimate,
		&progress,
		&sess.Approver,
		&sess.LastError,
		&excerpt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.ExpiresAt,
		&sess.AppliedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.State = session.State(state)
	if err := json.Unmarshal([]byte(resources), &sess.Resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &sess.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if summary.Valid {
		sess.Summary = &session.ChangeSummary{}
		if err := json.Unmarshal([]byte(summary.String), sess.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
	}
	if excerpt.Valid {
		if err := json.Unmarshal([]byte(excerpt.String), &sess.FailureExcerpt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure excerpt: %w", err)
		}
	}

	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	sessions := []*session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveCapsule inserts or replaces a recovery capsule.
func (s *SQLiteStore) SaveCapsule(ctx context.Context, c *vault.Capsule) error {
	query := `
		INSERT INTO recovery_capsules (tenant_id, session_id, owner_id, payload, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			status = excluded.status,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		c.TenantID,
		c.SessionID,
		c.OwnerID,
		c.Payload,
		string(c.Status),
		c.CreatedAt,
		c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save capsule: %w", err)
	}
	return nil
}

// GetCapsule retrieves a tenant's capsule for a session.
func (s *SQLiteStore) GetCapsule(ctx context.Context, tenantID, sessionID string) (*vault.Capsule, error) {
	query := `
		SELECT tenant_id, session_id, owner_id, payload, status, created_at, expires_at
		FROM recovery_capsules
		WHERE tenant_id = ? AND session_id = ?
	`

	var (
		c      vault.Capsule
		status string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, sessionID).Scan(
		&c.TenantID,
		&c.SessionID,
		&c.OwnerID,
		&c.Payload,
		&status,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.NewNotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}

	c.Status = vault.CapsuleStatus(status)
	return &c, nil
}

// MarkCapsuleStatus updates a capsule's lifecycle status.
func (s *SQLiteStore) MarkCapsuleStatus(ctx context.Context, tenantID, sessionID string, status vault.CapsuleStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE recovery_capsules SET status = ? WHERE tenant_id = ? AND session_id = ?`,
		string(status), tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark capsule status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return session.NewNotFound(sessionID)
	}
	return nil
}

// DeleteExpiredCapsules removes capsules past their expiry and returns
// the number removed.
func (s *SQLiteStore) DeleteExpiredCapsules(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM recovery_capsules WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired capsules: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// GetProfile retrieves a tenant's policy profile, or nil when the tenant
// has none.
func (s *SQLiteStore) GetProfile(ctx context.Context, tenantID string) (*policy.Profile, error) {
	query := `
		SELECT tenant_id, budget_ceiling, instance_ceiling, disk_ceiling_gb,
		       allowed_instance_types, allowed_resource_types,
		       approval_required, engine, rules, updated_at
		FROM policy_profiles
		WHERE tenant_id = ?
	`

	var (
		p             policy.Profile
		instanceTypes sql.NullString
		resourceTypes sql.NullString
		engine        string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&p.TenantID,
		&p.BudgetCeiling,
		&p.InstanceCeiling,
		&p.DiskCeilingGB,
		&instanceTypes,
		&resourceTypes,
		&p.ApprovalRequired,
		&engine,
		&p.Rules,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.Engine = policy.EngineVariant(engine)
	if instanceTypes.Valid && instanceTypes.String != "" {
		if err := json.Unmarshal([]byte(instanceTypes.String), &p.AllowedInstanceTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance types: %w", err)
		}
	}
	if resourceTypes.Valid && resourceTypes.String != "" {
		if err := json.Unmarshal([]byte(resourceTypes.String), &p.AllowedResourceTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource types: %w", err)
		}
	}

	return &p, nil
}

// UpsertProfile inserts or replaces a tenant's policy profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *policy.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var instanceTypes, resourceTypes *string
	if len(p.AllowedInstanceTypes) > 0 {
		b, err := json.Marshal(p.AllowedInstanceTypes)
		if err != nil {
			return fmt.Errorf("failed to marshal instance types: %w", err)
		}
		str := string(b)
		instanceTypes = &str
	}
	if len(p.AllowedResourceTypes) > 0 {
		b, err := json.Marshal(p.AllowedResourceTypes)
		if err != nil {
			return fmt.Errorf("failed to marshal resource types: %w", err)
		}
		str := string(b)
		resourceTypes = &str
	}

	query := `
		INSERT INTO policy_profiles (
			tenant_id, budget_ceiling, instance_ceiling, disk_ceiling_gb,
			allowed_instance_types, allowed_resource_types,
			approval_required, engine, rules, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			budget_ceiling = excluded.budget_ceiling,
			instance_ceiling = excluded.instance_ceiling,
			disk_ceiling_gb = excluded.disk_ceiling_gb,
			allowed_instance_types = excluded.allowed_instance_types,
			allowed_resource_types = excluded.allowed_resource_types,
			approval_required = excluded.approval_required,
			engine = excluded.engine,
			rules = excluded.rules,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.TenantID,
		p.BudgetCeiling,
		p.InstanceCeiling,
		p.DiskCeilingGB,
		instanceTypes,
		resourceTypes,
		p.ApprovalRequired,
		string(p.Engine),
		p.Rules,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// EnsureProfile returns a tenant's profile, creating the permissive
// default on first activity.
func (s *SQLiteStore) EnsureProfile(ctx context.Context, tenantID string) (*policy.Profile, error) {
	p, err := s.GetProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	p = policy.DefaultProfile(tenantID)
	if err := s.UpsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendAudit records an audit event. Missing ID and timestamp are
// filled in.
func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	if ev.TenantID == "" {
		return fmt.Errorf("audit event requires a tenant")
	}
	if ev.Action == "" {
		return fmt.Errorf("audit event requires an action")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (tenant_id, id, session_id, actor, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.TenantID,
		ev.ID,
		ev.SessionID,
		ev.Actor,
		ev.Action,
		ev.Details,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents lists a tenant's audit trail, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, tenantID string, limit, offset int) ([]*AuditEvent, error) {
	query := `
		SELECT tenant_id, id, session_id, actor, action, details, created_at
		FROM audit_events
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []*AuditEvent{}
	for rows.Next() {
		ev := &AuditEvent{}
		err := rows.Scan(
			&ev.TenantID,
			&ev.ID,
			&ev.SessionID,
			&ev.Actor,
			&ev.Action,
			&ev.Details,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}
