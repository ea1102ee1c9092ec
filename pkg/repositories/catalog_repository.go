package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// Relationship tables keyed by a unique label.
const (
	tableCategories = "catalog_categories"
	tablePurposes   = "catalog_purposes"
	tableCountries  = "catalog_countries"
	tableTags       = "catalog_tags"
)

// CatalogRepository defines data access for reconciled catalog items.
// Every write runs in its own transaction scoped to exactly one record.
type CatalogRepository interface {
	// FindProjection returns the local counterpart of (origin, sourceID).
	// Returns apperrors.ErrNotFound when none exists.
	FindProjection(ctx context.Context, origin, sourceID string) (*models.LocalProjection, error)

	// Create inserts rec with a blank version stamp together with its
	// relationships and the translation rows for languages.
	// Returns apperrors.ErrConflict if (origin, sourceID) already exists.
	Create(ctx context.Context, origin string, rec *models.CanonicalRecord, languages []string) (*models.LocalProjection, error)

	// Update overwrites the item behind proj with rec, including its stamp.
	// Purposes, countries, tags and documents are replaced in full;
	// translation rows for languages are upserted.
	Update(ctx context.Context, proj *models.LocalProjection, rec *models.CanonicalRecord, languages []string) error

	// Get returns the full local state of (origin, sourceID).
	Get(ctx context.Context, origin, sourceID string) (*models.CatalogItem, error)
}

type catalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *database.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

var _ CatalogRepository = (*catalogRepository)(nil)

func (r *catalogRepository) FindProjection(ctx context.Context, origin, sourceID string) (*models.LocalProjection, error) {
	query := `
		SELECT id, origin_ref, source_id, version_stamp
		FROM catalog_items
		WHERE origin_ref = $1 AND source_id = $2`

	var p models.LocalProjection
	err := r.db.QueryRow(ctx, query, origin, sourceID).Scan(&p.ID, &p.OriginRef, &p.SourceID, &p.VersionStamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find catalog item: %w", err)
	}
	return &p, nil
}

func (r *catalogRepository) Create(ctx context.Context, origin string, rec *models.CanonicalRecord, languages []string) (*models.LocalProjection, error) {
	bundle, err := json.Marshal(rec.Translations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal translations: %w", err)
	}

	proj := &models.LocalProjection{
		ID:        uuid.New(),
		OriginRef: origin,
		SourceID:  rec.SourceID,
	}

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		categoryID, err := connectOrCreate(ctx, tx, tableCategories, rec.Category)
		if err != nil {
			return err
		}

		// The stamp stays blank so the next run performs a full update pass.
		query := `
			INSERT INTO catalog_items (
				id, origin_ref, source_id, version_stamp, name, description, category_id, icon, translations
			) VALUES ($1, $2, $3, '', $4, $5, $6, $7, $8)`

		_, err = tx.Exec(ctx, query,
			proj.ID,
			origin,
			rec.SourceID,
			rec.Name,
			rec.Description,
			categoryID,
			rec.Icon,
			bundle,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return database.MapConflict(err)
			}
			return fmt.Errorf("failed to insert catalog item: %w", err)
		}

		if err := linkRelations(ctx, tx, proj.ID, rec); err != nil {
			return err
		}
		if err := insertDocuments(ctx, tx, proj.ID, rec.Documents); err != nil {
			return err
		}
		return upsertTranslations(ctx, tx, proj.ID, rec.Translations, languages)
	})
	if err != nil {
		return nil, err
	}

	return proj, nil
}

func (r *catalogRepository) Update(ctx context.Context, proj *models.LocalProjection, rec *models.CanonicalRecord, languages []string) error {
	bundle, err := json.Marshal(rec.Translations)
	if err != nil {
		return fmt.Errorf("failed to marshal translations: %w", err)
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		categoryID, err := connectOrCreate(ctx, tx, tableCategories, rec.Category)
		if err != nil {
			return err
		}

		query := `
			UPDATE catalog_items
			SET version_stamp = $2, name = $3, description = $4, category_id = $5,
			    icon = $6, translations = $7, updated_at = $8
			WHERE id = $1`

		tag, err := tx.Exec(ctx, query,
			proj.ID,
			rec.VersionStamp,
			rec.Name,
			rec.Description,
			categoryID,
			rec.Icon,
			bundle,
			time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to update catalog item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.ErrNotFound
		}

		for _, table := range []string{"catalog_item_purposes", "catalog_item_countries", "catalog_item_tags", "catalog_item_documents"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE item_id = $1", proj.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		if err := linkRelations(ctx, tx, proj.ID, rec); err != nil {
			return err
		}
		if err := insertDocuments(ctx, tx, proj.ID, rec.Documents); err != nil {
			return err
		}
		return upsertTranslations(ctx, tx, proj.ID, rec.Translations, languages)
	})
}

func (r *catalogRepository) Get(ctx context.Context, origin, sourceID string) (*models.CatalogItem, error) {
	query := `
		SELECT i.id, i.origin_ref, i.source_id, i.version_stamp, i.name, i.description,
		       c.label, i.icon, i.translations, i.updated_at
		FROM catalog_items i
		JOIN catalog_categories c ON c.id = i.category_id
		WHERE i.origin_ref = $1 AND i.source_id = $2`

	var item models.CatalogItem
	var bundle []byte
	err := r.db.QueryRow(ctx, query, origin, sourceID).Scan(
		&item.ID,
		&item.OriginRef,
		&item.SourceID,
		&item.VersionStamp,
		&item.Name,
		&item.Description,
		&item.Category,
		&item.Icon,
		&bundle,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get catalog item: %w", err)
	}
	if len(bundle) > 0 {
		if err := json.Unmarshal(bundle, &item.Bundle); err != nil {
			return nil, fmt.Errorf("failed to unmarshal translations: %w", err)
		}
	}

	if item.Purposes, err = r.labels(ctx, "catalog_item_purposes", "purpose_id", tablePurposes, item.ID); err != nil {
		return nil, err
	}
	if item.Countries, err = r.labels(ctx, "catalog_item_countries", "country_id", tableCountries, item.ID); err != nil {
		return nil, err
	}
	if item.Tags, err = r.labels(ctx, "catalog_item_tags", "tag_id", tableTags, item.ID); err != nil {
		return nil, err
	}
	if item.Documents, err = r.documents(ctx, item.ID); err != nil {
		return nil, err
	}
	if item.Translations, err = r.translations(ctx, item.ID); err != nil {
		return nil, err
	}

	return &item, nil
}

func (r *catalogRepository) labels(ctx context.Context, joinTable, fkColumn, labelTable string, itemID uuid.UUID) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT l.label
		FROM %s j
		JOIN %s l ON l.id = j.%s
		WHERE j.item_id = $1
		ORDER BY l.label`, joinTable, labelTable, fkColumn)

	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", joinTable, err)
	}
	labels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", joinTable, err)
	}
	return labels, nil
}

func (r *catalogRepository) documents(ctx context.Context, itemID uuid.UUID) ([]models.DocumentLink, error) {
	rows, err := r.db.Query(ctx, `
		SELECT name, url FROM catalog_item_documents
		WHERE item_id = $1
		ORDER BY position`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []models.DocumentLink
	for rows.Next() {
		var d models.DocumentLink
		if err := rows.Scan(&d.Name, &d.URL); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func (r *catalogRepository) translations(ctx context.Context, itemID uuid.UUID) (map[string]models.Translation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT language, name, description FROM catalog_item_translations
		WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query translations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Translation)
	for rows.Next() {
		var lang string
		var t models.Translation
		if err := rows.Scan(&lang, &t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan translation: %w", err)
		}
		out[lang] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating translations: %w", err)
	}
	return out, nil
}

// connectOrCreate resolves label in table, inserting it if absent. Labels
// match case-insensitively; the first spelling stored wins.
// A concurrent creator of the same label makes the insert a no-op; the
// follow-up select then sees its committed row.
func connectOrCreate(ctx context.Context, q database.Querier, table, label string) (uuid.UUID, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = models.UnknownLabel
	}

	selectQuery := "SELECT id FROM " + table + " WHERE lower(label) = lower($1)"

	var id uuid.UUID
	err := q.QueryRow(ctx, selectQuery, label).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to look up %s %q: %w", table, label, err)
	}

	err = q.QueryRow(ctx,
		"INSERT INTO "+table+" (label) VALUES ($1) ON CONFLICT (lower(label)) DO NOTHING RETURNING id",
		label,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to create %s %q: %w", table, label, err)
	}

	if err := q.QueryRow(ctx, selectQuery, label).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve %s %q after conflict: %w", table, label, err)
	}
	return id, nil
}

func linkRelations(ctx context.Context, tx pgx.Tx, itemID uuid.UUID, rec *models.CanonicalRecord) error {
	links := []struct {
		joinTable  string
		fkColumn   string
		labelTable string
		labels     []string
	}{
		{"catalog_item_purposes", "purpose_id", tablePurposes, rec.Purposes},
		{"catalog_item_countries", "country_id", tableCountries, rec.Countries},
		{"catalog_item_tags", "tag_id", tableTags, rec.Tags},
	}

	for _, l := range links {
		insert := fmt.Sprintf(
			"INSERT INTO %s (item_id, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			l.joinTable, l.fkColumn)
		// A fixed label order keeps concurrent transactions from deadlocking
		// on each other's uncommitted inserts.
		labels := append([]string(nil), l.labels...)
		sort.Slice(labels, func(i, j int) bool {
			return strings.ToLower(labels[i]) < strings.ToLower(labels[j])
		})
		for _, label := range labels {
			id, err := connectOrCreate(ctx, tx, l.labelTable, label)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insert, itemID, id); err != nil {
				return fmt.Errorf("failed to link %s: %w", l.joinTable, err)
			}
		}
	}
	return nil
}

func insertDocuments(ctx context.Context, tx pgx.Tx, itemID uuid.UUID, docs []models.DocumentLink) error {
	for i, d := range docs {
		_, err := tx.Exec(ctx, `
			INSERT INTO catalog_item_documents (item_id, position, name, url)
			VALUES ($1, $2, $3, $4)`, itemID, i, d.Name, d.URL)
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return nil
}

func upsertTranslations(ctx context.Context, tx pgx.Tx, itemID uuid.UUID, bundle models.TranslationBundle, languages []string) error {
	query := `
		INSERT INTO catalog_item_translations (item_id, language, name, description, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id, language)
		DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at`

	now := time.Now()
	seen := make(map[string]bool, len(languages))
	for _, lang := range languages {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true

		t, ok := bundle.Get(lang)
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, query, itemID, lang, t.Name, t.Description, now); err != nil {
			return fmt.Errorf("failed to upsert %s translation: %w", lang, err)
		}
	}
	return nil
}
