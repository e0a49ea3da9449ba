package state

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

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists installation state in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
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
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
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

// Migrate runs database migrations from the embedded schema files.
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

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateInstallation inserts a new installation row.
func (s *SQLiteStore) CreateInstallation(ctx context.Context, inst *InstallationState) error {
	metadata, err := json.Marshal(inst.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO installations (installation_id, started_at, profile, completed_at, overall_status, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.InstallationID,
		inst.StartedAt,
		inst.Profile,
		inst.CompletedAt,
		inst.OverallStatus,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to create installation: %w", err)
	}

	return nil
}

// GetInstallation retrieves an installation by ID.
func (s *SQLiteStore) GetInstallation(ctx context.Context, id string) (*InstallationState, error) {
	query := `
		SELECT installation_id, started_at, profile, completed_at, overall_status, metadata_json
		FROM installations
		WHERE installation_id = ?
	`

	inst, err := scanInstallation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}

	return inst, nil
}

// UpdateInstallationStatus updates the overall status of an installation,
// stamping completed_at on terminal transitions.
func (s *SQLiteStore) UpdateInstallationStatus(ctx context.Context, id string, status InstallationStatus) error {
	var completedAt *time.Time
	if status == InstallationSuccess || status == InstallationFailed {
		now := time.Now().UTC()
		completedAt = &now
	}

	query := `
		UPDATE installations
		SET overall_status = ?, completed_at = ?
		WHERE installation_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update installation status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("installation not found: %s", id)
	}

	return nil
}

// ListInstallations lists installations most recent first.
func (s *SQLiteStore) ListInstallations(ctx context.Context, limit, offset int) ([]*InstallationState, error) {
	query := `
		SELECT installation_id, started_at, profile, completed_at, overall_status, metadata_json
		FROM installations
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer rows.Close()

	installations := []*InstallationState{}
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		installations = append(installations, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installations: %w", err)
	}

	return installations, nil
}

// FindResumable returns the most recently started installation that is
// still in progress with no completion stamp, or nil when none exists.
func (s *SQLiteStore) FindResumable(ctx context.Context) (*InstallationState, error) {
	query := `
		SELECT installation_id, started_at, profile, completed_at, overall_status, metadata_json
		FROM installations
		WHERE overall_status = 'in_progress' AND completed_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`

	inst, err := scanInstallation(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable installation: %w", err)
	}

	return inst, nil
}

// UpsertModule inserts or fully updates a module row.
func (s *SQLiteStore) UpsertModule(ctx context.Context, mod *ModuleState) error {
	actions := string(mod.RollbackActions)
	if actions == "" {
		actions = "[]"
	}

	query := `
		INSERT INTO modules (
			installation_id, module_name, status, started_at, completed_at,
			duration_seconds, progress_percent, current_step, error_message,
			checkpoint, rollback_actions_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, module_name) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			progress_percent = excluded.progress_percent,
			current_step = excluded.current_step,
			error_message = excluded.error_message,
			checkpoint = excluded.checkpoint,
			rollback_actions_json = excluded.rollback_actions_json
	`

	_, err := s.db.ExecContext(ctx, query,
		mod.InstallationID,
		mod.ModuleName,
		mod.Status,
		mod.StartedAt,
		mod.CompletedAt,
		mod.DurationSeconds,
		mod.ProgressPercent,
		mod.CurrentStep,
		mod.ErrorMessage,
		mod.Checkpoint,
		actions,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert module: %w", err)
	}

	return nil
}

// GetModule retrieves one module row.
func (s *SQLiteStore) GetModule(ctx context.Context, installationID, moduleName string) (*ModuleState, error) {
	query := `
		SELECT installation_id, module_name, status, started_at, completed_at,
		       duration_seconds, progress_percent, current_step, error_message,
		       checkpoint, rollback_actions_json
		FROM modules
		WHERE installation_id = ? AND module_name = ?
	`

	mod, err := scanModule(s.db.QueryRowContext(ctx, query, installationID, moduleName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("module not found: %s/%s", installationID, moduleName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}

	return mod, nil
}

// ListModules lists all module rows of an installation.
func (s *SQLiteStore) ListModules(ctx context.Context, installationID string) ([]*ModuleState, error) {
	query := `
		SELECT installation_id, module_name, status, started_at, completed_at,
		       duration_seconds, progress_percent, current_step, error_message,
		       checkpoint, rollback_actions_json
		FROM modules
		WHERE installation_id = ?
		ORDER BY module_name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	modules := []*ModuleState{}
	for rows.Next() {
		mod, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, mod)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}

	return modules, nil
}

// AppendCheckpoint appends one write-once checkpoint snapshot row.
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	query := `
		INSERT INTO checkpoints (installation_id, module_name, checkpoint_name, state_snapshot_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cp.InstallationID,
		cp.ModuleName,
		cp.CheckpointName,
		cp.StateSnapshot,
		cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}

	return nil
}

// ListCheckpoints lists checkpoint rows of one module in creation order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, installationID, moduleName string) ([]*Checkpoint, error) {
	query := `
		SELECT installation_id, module_name, checkpoint_name, state_snapshot_json, created_at
		FROM checkpoints
		WHERE installation_id = ? AND module_name = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, installationID, moduleName)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*Checkpoint{}
	for rows.Next() {
		cp := &Checkpoint{}
		err := rows.Scan(
			&cp.InstallationID,
			&cp.ModuleName,
			&cp.CheckpointName,
			&cp.StateSnapshot,
			&cp.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return checkpoints, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstallation(row rowScanner) (*InstallationState, error) {
	inst := &InstallationState{}
	var metadata string
	err := row.Scan(
		&inst.InstallationID,
		&inst.StartedAt,
		&inst.Profile,
		&inst.CompletedAt,
		&inst.OverallStatus,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &inst.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return inst, nil
}

func scanModule(row rowScanner) (*ModuleState, error) {
	mod := &ModuleState{}
	var actions string
	err := row.Scan(
		&mod.InstallationID,
		&mod.ModuleName,
		&mod.Status,
		&mod.StartedAt,
		&mod.CompletedAt,
		&mod.DurationSeconds,
		&mod.ProgressPercent,
		&mod.CurrentStep,
		&mod.ErrorMessage,
		&mod.Checkpoint,
		&actions,
	)
	if err != nil {
		return nil, err
	}
	if actions != "" {
		mod.RollbackActions = json.RawMessage(actions)
	}
	return mod, nil
}
