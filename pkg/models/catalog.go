package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownLabel is the sentinel used when a record carries no category or purpose.
const UnknownLabel = "Unknown"

// DocumentLink is a named link attached to a catalog entry.
type DocumentLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Translation is the localized name/description pair for one language.
type Translation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TranslationBundle holds every language variant of a record keyed by
// language code. SourceLanguage names the entry the upstream authored.
type TranslationBundle struct {
	SourceLanguage string                 `json:"source_language"`
	Entries        map[string]Translation `json:"entries"`
}

// Get returns the translation for lang.
func (b TranslationBundle) Get(lang string) (Translation, bool) {
	t, ok := b.Entries[strings.ToLower(lang)]
	return t, ok
}

// CanonicalRecord is the normalized, source-agnostic form of one upstream catalog item.
// It is run-scoped and owned by the reconciliation that produced it.
type CanonicalRecord struct {
	SourceID     string            `json:"source_id"`
	VersionStamp string            `json:"version_stamp"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	Purposes     []string          `json:"purposes"`
	Countries    []string          `json:"countries"`
	Tags         []string          `json:"tags"`
	Documents    []DocumentLink    `json:"documents"`
	Icon         []byte            `json:"icon,omitempty"`
	Translations TranslationBundle `json:"translations"`
}

// HasBlankStamp reports whether the upstream supplied no usable version stamp.
// Such records are always treated as changed.
func (r *CanonicalRecord) HasBlankStamp() bool {
	return strings.TrimSpace(r.VersionStamp) == ""
}

// LocalProjection is the part of a local catalog item needed to decide
// between create, update and skip.
type LocalProjection struct {
	ID           uuid.UUID `json:"id"`
	OriginRef    string    `json:"origin_ref"`
	SourceID     string    `json:"source_id"`
	VersionStamp string    `json:"version_stamp"`
}

// IsCurrent reports whether the stored stamp matches the canonical one.
// A blank stamp on either side never matches.
func (p *LocalProjection) IsCurrent(rec *CanonicalRecord) bool {
	if p == nil || rec == nil {
		return false
	}
	if strings.TrimSpace(p.VersionStamp) == "" || rec.HasBlankStamp() {
		return false
	}
	return p.VersionStamp == rec.VersionStamp
}

// CatalogItem is the full local state of one catalog entry with its
// relationships resolved to labels.
type CatalogItem struct {
	LocalProjection
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Category     string                 `json:"category"`
	Purposes     []string               `json:"purposes"`
	Countries    []string               `json:"countries"`
	Tags         []string               `json:"tags"`
	Documents    []DocumentLink         `json:"documents"`
	Icon         []byte                 `json:"icon,omitempty"`
	Translations map[string]Translation `json:"translations"` // language rows, keyed by code
	Bundle       TranslationBundle      `json:"bundle"`       // full upstream bundle
	UpdatedAt    time.Time              `json:"updated_at"`
}
