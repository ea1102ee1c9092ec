package source

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

const fullV1Item = `{
	"id": 47,
	"@odata.etag": "\"v3\"",
	"fields": {
		"Title": " Foo ",
		"Description": "A tool",
		"Category": {"Label": "Tools"},
		"Purposes": [{"Label": "Analytics"}, "analytics", " Reporting "],
		"Countries": "DE;FR;de",
		"Tags": null,
		"Documents": [
			{"name": "Guide", "url": "https://docs.example.com/guide.pdf"},
			{"name": "", "url": "https://docs.example.com/faq"},
			{"name": "Guide again", "url": "https://docs.example.com/guide.pdf"}
		],
		"Icon": "iVBORw==",
		"SourceLanguage": "EN",
		"Translations": {"DE": {"name": "Foo DE", "description": "Ein Werkzeug"}}
	}
}`

func TestNormalizeV1_Golden(t *testing.T) {
	rec, err := NewRegistry().Normalize(json.RawMessage(fullV1Item), "V1")
	require.NoError(t, err)

	g := goldie.New(t)
	g.AssertJson(t, "v1_full_item", rec)
}

func TestNormalizeV1_Defaults(t *testing.T) {
	rec, err := NewRegistry().Normalize(json.RawMessage(`{"id":"12","fields":{"Title":"Bare"}}`), "v1")
	require.NoError(t, err)

	assert.Equal(t, "12", rec.SourceID)
	assert.Empty(t, rec.VersionStamp)
	assert.True(t, rec.HasBlankStamp())
	assert.Equal(t, models.UnknownLabel, rec.Category)
	assert.Equal(t, []string{models.UnknownLabel}, rec.Purposes)
	assert.Empty(t, rec.Countries)
	assert.Empty(t, rec.Documents)
	assert.Nil(t, rec.Icon)
	assert.Equal(t, "en", rec.Translations.SourceLanguage)

	tr, ok := rec.Translations.Get("en")
	require.True(t, ok)
	assert.Equal(t, "Bare", tr.Name)
}

func TestNormalizeV1_VersionFieldFallback(t *testing.T) {
	rec, err := NewRegistry().Normalize(json.RawMessage(`{"id":"1","version":7,"fields":{"Title":"x"}}`), SchemaV1)
	require.NoError(t, err)
	assert.Equal(t, "7", rec.VersionStamp)

	rec, err = NewRegistry().Normalize(json.RawMessage(`{"id":"1","@odata.etag":"W/\"abc,4\"","fields":{"Title":"x"}}`), SchemaV1)
	require.NoError(t, err)
	assert.Equal(t, "abc,4", rec.VersionStamp)
}

func TestNormalizeV1_StructuralFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `<item/>`},
		{name: "missing id", raw: `{"fields":{"Title":"x"}}`},
		{name: "missing fields", raw: `{"id":"1"}`},
		{name: "blank title", raw: `{"id":"1","fields":{"Title":"   "}}`},
		{name: "bad document url", raw: `{"id":"1","fields":{"Title":"x","Documents":[{"name":"d","url":"not a url"}]}}`},
		{name: "bad icon", raw: `{"id":"1","fields":{"Title":"x","Icon":"%%%"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewRegistry().Normalize(json.RawMessage(tt.raw), SchemaV1)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
			assert.True(t, apperrors.IsStructural(err))
		})
	}
}

func TestRegistry_UnknownVersion(t *testing.T) {
	r := NewRegistry()

	rec, err := r.Normalize(json.RawMessage(`{"id":"1","fields":{"Title":"x"}}`), "V2")
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedSchema)
	assert.False(t, r.Supports("V2"))
	assert.True(t, r.Supports(" v1 "))
}

func TestRegistry_RegisterNewVersion(t *testing.T) {
	r := NewRegistry()
	r.Register("V2", NormalizerFunc(func(raw json.RawMessage) (*models.CanonicalRecord, error) {
		return &models.CanonicalRecord{SourceID: "from-v2"}, nil
	}))

	rec, err := r.Normalize(json.RawMessage(`{}`), "V2")
	require.NoError(t, err)
	assert.Equal(t, "from-v2", rec.SourceID)
	assert.Equal(t, []string{"V1", "V2"}, r.Versions())
}

func TestProbeID(t *testing.T) {
	assert.Equal(t, "47", ProbeID(json.RawMessage(`{"id": 47, "fields": {}}`)))
	assert.Equal(t, "ada@example.com", ProbeID(json.RawMessage(`{"userPrincipalName": " Ada@Example.com "}`)))
	assert.Empty(t, ProbeID(json.RawMessage(`{"fields": {}}`)))
	assert.Empty(t, ProbeID(json.RawMessage(`not json`)))
}
