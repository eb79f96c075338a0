package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

var (
	// ErrInvalidStatus is returned for a status other than active or inactive.
	ErrInvalidStatus = errors.New("status must be active or inactive")
	// ErrNameRequired is returned for an empty system name.
	ErrNameRequired = errors.New("system name is required")
)

const systemColumns = "id, name, description, api_key, status, created_at, updated_at"

// SystemRepository persists systems.
type SystemRepository struct {
	db database.Adapter
}

// NewSystemRepository creates a system repository on a.
func NewSystemRepository(a database.Adapter) *SystemRepository {
	return &SystemRepository{db: a}
}

// Create inserts an active system. An empty apiKey is generated.
func (r *SystemRepository) Create(
	ctx context.Context, name, description, apiKey string,
) (*System, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	if apiKey == "" {
		apiKey = NewAPIKey()
	}

	ts := now()
	sys := &System{
		ID:          newID(),
		Name:        name,
		Description: description,
		APIKey:      apiKey,
		Status:      StatusActive,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	if _, err := database.Run(ctx, r.db, database.Bind(r.db,
		`INSERT INTO systems (`+systemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sys.ID, sys.Name, nullable(sys.Description), sys.APIKey,
		sys.Status, sys.CreatedAt, sys.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("creating system %q: %w", name, err)
	}

	return sys, nil
}

func (r *SystemRepository) getBy(ctx context.Context, where string, arg any) (*System, error) {
	var sys System
	if err := database.QueryRow(ctx, r.db, &sys, database.Bind(r.db,
		`SELECT `+systemColumns+` FROM systems WHERE `+where), arg,
	); err != nil {
		return nil, notFound(err)
	}

	return &sys, nil
}

// GetByAPIKey returns the active system owning key.
func (r *SystemRepository) GetByAPIKey(ctx context.Context, key string) (*System, error) {
	sys, err := r.getBy(ctx, "api_key = ? AND status = 'active'", key)
	if err != nil {
		return nil, fmt.Errorf("getting system by api key: %w", err)
	}

	return sys, nil
}

// GetByName returns the system called name regardless of status.
func (r *SystemRepository) GetByName(ctx context.Context, name string) (*System, error) {
	sys, err := r.getBy(ctx, "name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("getting system by name: %w", err)
	}

	return sys, nil
}

// GetByID returns the system with the given id.
func (r *SystemRepository) GetByID(ctx context.Context, id string) (*System, error) {
	sys, err := r.getBy(ctx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting system by id: %w", err)
	}

	return sys, nil
}

// List returns every system, newest first.
func (r *SystemRepository) List(ctx context.Context) ([]System, error) {
	systems := make([]System, 0)
	if err := database.Query(ctx, r.db, &systems,
		`SELECT `+systemColumns+` FROM systems ORDER BY created_at DESC, name`,
	); err != nil {
		return nil, fmt.Errorf("listing systems: %w", err)
	}

	return systems, nil
}

// ListActive returns the active systems ordered by name.
func (r *SystemRepository) ListActive(ctx context.Context) ([]System, error) {
	systems := make([]System, 0)
	if err := database.Query(ctx, r.db, &systems,
		`SELECT `+systemColumns+` FROM systems WHERE status = 'active' ORDER BY name`,
	); err != nil {
		return nil, fmt.Errorf("listing active systems: %w", err)
	}

	return systems, nil
}

// Update applies the non-nil fields of u.
func (r *SystemRepository) Update(
	ctx context.Context, id string, u SystemUpdate,
) (*System, error) {
	args := database.NewArgs(r.db)
	sets := make([]string, 0, 4)

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, ErrNameRequired
		}

		sets = append(sets, "name = "+args.Add(name))
	}

	if u.Description != nil {
		sets = append(sets, "description = "+args.Add(nullable(*u.Description)))
	}

	if u.Status != nil {
		if *u.Status != StatusActive && *u.Status != StatusInactive {
			return nil, ErrInvalidStatus
		}

		sets = append(sets, "status = "+args.Add(*u.Status))
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	sets = append(sets, "updated_at = "+args.Add(now()))
	query := "UPDATE systems SET " + strings.Join(sets, ", ") +
		" WHERE id = " + args.Add(id)

	n, err := database.Run(ctx, r.db, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("updating system: %w", err)
	}

	if n == 0 {
		return nil, fmt.Errorf("updating system %s: %w", id, ErrNotFound)
	}

	return r.GetByID(ctx, id)
}

// RegenerateAPIKey replaces the key of system id.
func (r *SystemRepository) RegenerateAPIKey(ctx context.Context, id string) (*System, error) {
	n, err := database.Run(ctx, r.db, database.Bind(r.db,
		`UPDATE systems SET api_key = ?, updated_at = ? WHERE id = ?`),
		NewAPIKey(), now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("regenerating api key: %w", err)
	}

	if n == 0 {
		return nil, fmt.Errorf("regenerating api key for %s: %w", id, ErrNotFound)
	}

	return r.GetByID(ctx, id)
}

// Delete removes system id. Runs referencing it are kept.
func (r *SystemRepository) Delete(ctx context.Context, id string) (bool, error) {
	n, err := database.Run(ctx, r.db, database.Bind(r.db,
		`DELETE FROM systems WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("deleting system: %w", err)
	}

	return n > 0, nil
}

// EnsureExists returns the system called name, creating it on first use.
// When a concurrent writer wins the insert the loser re-reads its row.
func (r *SystemRepository) EnsureExists(ctx context.Context, name string) (*System, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	sys, err := r.GetByName(ctx, name)
	if err == nil {
		return sys, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sys, createErr := r.Create(ctx, name, "Auto-created system: "+name, "")
	if createErr == nil {
		return sys, nil
	}

	sys, err = r.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ensuring system %q: %w", name, createErr)
	}

	return sys, nil
}

// Stats summarises the runs, feedback and attachments of system name.
func (r *SystemRepository) Stats(ctx context.Context, name string) (*SystemStats, error) {
	var stats SystemStats
	if err := database.QueryRow(ctx, r.db, &stats, database.Bind(r.db, `
		SELECT
			COUNT(*) AS total_runs,
			COUNT(DISTINCT trace_id) AS total_traces,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			MIN(created_at) AS first_run_time,
			MAX(created_at) AS last_run_time
		FROM runs
		WHERE system = ?`), name,
	); err != nil {
		return nil, fmt.Errorf("getting system run stats: %w", err)
	}

	if err := database.QueryRow(ctx, r.db, &stats.TotalFeedback, database.Bind(r.db, `
		SELECT COUNT(*) FROM feedback f
		JOIN runs r ON f.run_id = r.id
		WHERE r.system = ?`), name,
	); err != nil {
		return nil, fmt.Errorf("counting system feedback: %w", err)
	}

	if err := database.QueryRow(ctx, r.db, &stats.TotalAttachments, database.Bind(r.db, `
		SELECT COUNT(*) FROM attachments a
		JOIN runs r ON a.run_id = r.id
		WHERE r.system = ?`), name,
	); err != nil {
		return nil, fmt.Errorf("counting system attachments: %w", err)
	}

	return &stats, nil
}

// DistinctRunSystems lists the system names referenced by runs.
func (r *SystemRepository) DistinctRunSystems(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	if err := database.Query(ctx, r.db, &names, `
		SELECT DISTINCT system FROM runs
		WHERE system IS NOT NULL AND system != ''
		ORDER BY system`,
	); err != nil {
		return nil, fmt.Errorf("listing run systems: %w", err)
	}

	return names, nil
}

// MigrateRunSystems creates a system row for every name referenced by
// runs that has none yet.
func (r *SystemRepository) MigrateRunSystems(ctx context.Context) (*MigrationResult, error) {
	names, err := r.DistinctRunSystems(ctx)
	if err != nil {
		return nil, err
	}

	var res MigrationResult

	for _, name := range names {
		_, err := r.GetByName(ctx, name)
		if err == nil {
			res.Skipped++

			continue
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		if _, err := r.Create(ctx, name, "Migrated from existing runs: "+name, ""); err != nil {
			return nil, err
		}

		res.Created++
	}

	return &res, nil
}

// ValidateReferences lists system names used by runs without a system row.
func (r *SystemRepository) ValidateReferences(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	if err := database.Query(ctx, r.db, &names, `
		SELECT DISTINCT r.system FROM runs r
		LEFT JOIN systems s ON r.system = s.name
		WHERE r.system IS NOT NULL AND r.system != '' AND s.name IS NULL
		ORDER BY r.system`,
	); err != nil {
		return nil, fmt.Errorf("validating system references: %w", err)
	}

	return names, nil
}
