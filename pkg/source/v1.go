package source

import (
	"encoding/base64"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// defaultSourceLanguage is assumed when an item does not name its authoring language.
const defaultSourceLanguage = "en"

type v1Item struct {
	ID      jsonutil.FlexibleString `json:"id" validate:"required"`
	ETag    string                  `json:"@odata.etag"`
	Version jsonutil.FlexibleString `json:"version"`
	Fields  v1Fields                `json:"fields" validate:"required"`
}

type v1Fields struct {
	Title          string                   `json:"Title" validate:"required"`
	Description    string                   `json:"Description"`
	Category       jsonutil.FlexibleStrings `json:"Category"`
	Purposes       jsonutil.FlexibleStrings `json:"Purposes"`
	Countries      jsonutil.FlexibleStrings `json:"Countries"`
	Tags           jsonutil.FlexibleStrings `json:"Tags"`
	Documents      []v1Document             `json:"Documents" validate:"dive"`
	Icon           string                   `json:"Icon"`
	SourceLanguage string                   `json:"SourceLanguage"`
	Translations   map[string]v1Translation `json:"Translations"`
}

type v1Document struct {
	Name string `json:"name"`
	URL  string `json:"url" validate:"required,url"`
}

type v1Translation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func normalizeV1(raw json.RawMessage) (*models.CanonicalRecord, error) {
	var item v1Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, invalid("decode V1 item", err)
	}
	item.Fields.Title = strings.TrimSpace(item.Fields.Title)
	if err := validate.Struct(&item); err != nil {
		return nil, invalid("validate V1 item", err)
	}

	f := item.Fields
	rec := &models.CanonicalRecord{
		SourceID:     strings.TrimSpace(item.ID.String()),
		VersionStamp: v1Stamp(item),
		Name:         f.Title,
		Description:  strings.TrimSpace(f.Description),
		Category:     models.UnknownLabel,
		Purposes:     cleanLabels(f.Purposes),
		Countries:    cleanLabels(f.Countries),
		Tags:         cleanLabels(f.Tags),
		Documents:    make([]models.DocumentLink, 0, len(f.Documents)),
	}

	if cats := cleanLabels(f.Category); len(cats) > 0 {
		rec.Category = cats[0]
	}
	if len(rec.Purposes) == 0 {
		rec.Purposes = []string{models.UnknownLabel}
	}

	seenDocs := make(map[string]bool, len(f.Documents))
	for _, d := range f.Documents {
		url := strings.TrimSpace(d.URL)
		if seenDocs[url] {
			continue
		}
		seenDocs[url] = true
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = url
		}
		rec.Documents = append(rec.Documents, models.DocumentLink{Name: name, URL: url})
	}

	if icon := strings.TrimSpace(f.Icon); icon != "" {
		decoded, err := base64.StdEncoding.DecodeString(icon)
		if err != nil {
			return nil, invalid("decode V1 icon", err)
		}
		rec.Icon = decoded
	}

	rec.Translations = v1Bundle(f)
	return rec, nil
}

// v1Stamp prefers the entity tag and falls back to the version field.
// Quotes and weak-validator prefixes are stripped; the value stays opaque.
func v1Stamp(item v1Item) string {
	stamp := strings.TrimSpace(item.ETag)
	if stamp == "" {
		stamp = strings.TrimSpace(item.Version.String())
	}
	stamp = strings.TrimPrefix(stamp, "W/")
	return strings.Trim(stamp, `"`)
}

func v1Bundle(f v1Fields) models.TranslationBundle {
	lang := strings.ToLower(strings.TrimSpace(f.SourceLanguage))
	if lang == "" {
		lang = defaultSourceLanguage
	}

	bundle := models.TranslationBundle{
		SourceLanguage: lang,
		Entries:        make(map[string]models.Translation, len(f.Translations)+1),
	}
	for code, t := range f.Translations {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		bundle.Entries[code] = models.Translation{
			Name:        strings.TrimSpace(t.Name),
			Description: strings.TrimSpace(t.Description),
		}
	}
	// The item's own fields are authoritative for its source language.
	bundle.Entries[lang] = models.Translation{
		Name:        f.Title,
		Description: strings.TrimSpace(f.Description),
	}
	return bundle
}
