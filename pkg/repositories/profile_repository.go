package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// ProfileRepository provides data access for directory profiles.
type ProfileRepository interface {
	// Find returns the profile for (origin, login). Returns apperrors.ErrNotFound if absent.
	Find(ctx context.Context, origin, login string) (*models.DirectoryProfile, error)

	// Upsert writes entry keyed by (origin, entry.SourceID) and reports
	// whether a new row was inserted.
	Upsert(ctx context.Context, origin string, entry *models.DirectoryEntry) (created bool, err error)
}

type profileRepository struct {
	db *database.DB
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(db *database.DB) ProfileRepository {
	return &profileRepository{db: db}
}

var _ ProfileRepository = (*profileRepository)(nil)

func (r *profileRepository) Find(ctx context.Context, origin, login string) (*models.DirectoryProfile, error) {
	query := `
		SELECT id, origin_ref, login, display_name, email, company, region, is_external, updated_at
		FROM directory_profiles
		WHERE origin_ref = $1 AND login = $2`

	var p models.DirectoryProfile
	err := r.db.QueryRow(ctx, query, origin, login).Scan(
		&p.ID,
		&p.OriginRef,
		&p.SourceID,
		&p.DisplayName,
		&p.Email,
		&p.Company,
		&p.Region,
		&p.IsExternal,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find directory profile: %w", err)
	}
	return &p, nil
}

func (r *profileRepository) Upsert(ctx context.Context, origin string, entry *models.DirectoryEntry) (bool, error) {
	// xmax is zero only for a freshly inserted tuple.
	query := `
		INSERT INTO directory_profiles (
			id, origin_ref, login, display_name, email, company, region, is_external, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (origin_ref, login) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			company = EXCLUDED.company,
			region = EXCLUDED.region,
			is_external = EXCLUDED.is_external,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := r.db.QueryRow(ctx, query,
		uuid.New(),
		origin,
		entry.SourceID,
		entry.DisplayName,
		entry.Email,
		entry.Company,
		entry.Region,
		entry.IsExternal,
		time.Now(),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert directory profile: %w", err)
	}
	return inserted, nil
}
