package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalProjection_IsCurrent(t *testing.T) {
	rec := &CanonicalRecord{SourceID: "47", VersionStamp: "v3"}

	assert.True(t, (&LocalProjection{VersionStamp: "v3"}).IsCurrent(rec))
	assert.False(t, (&LocalProjection{VersionStamp: "v2"}).IsCurrent(rec))
	assert.False(t, (&LocalProjection{VersionStamp: ""}).IsCurrent(rec), "blank local stamp forces an update")
	assert.False(t, (&LocalProjection{VersionStamp: "  "}).IsCurrent(&CanonicalRecord{VersionStamp: "  "}), "blank canonical stamp forces an update")

	var missing *LocalProjection
	assert.False(t, missing.IsCurrent(rec))
}

func TestTranslationBundle_Get(t *testing.T) {
	b := TranslationBundle{SourceLanguage: "en", Entries: map[string]Translation{"de": {Name: "Werkzeug"}}}

	tr, ok := b.Get("DE")
	assert.True(t, ok)
	assert.Equal(t, "Werkzeug", tr.Name)

	_, ok = b.Get("fr")
	assert.False(t, ok)
}

func TestRunSummary_Add(t *testing.T) {
	s := NewRunSummary(JobCatalog)
	for _, st := range []OutcomeStatus{OutcomeCreated, OutcomeUpdated, OutcomeUpdated, OutcomeSkipped, OutcomeFailed} {
		s.Add(st)
	}

	assert.Equal(t, 1, s.Created)
	assert.Equal(t, 2, s.Updated)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 5, s.Total())
	assert.Nil(t, s.FinishedAt)
	s.Finish()
	assert.NotNil(t, s.FinishedAt)
}

func TestDirectoryProfile_Matches(t *testing.T) {
	entry := DirectoryEntry{SourceID: "jdoe", DisplayName: "J Doe", Email: "jdoe@example.com"}
	p := &DirectoryProfile{DirectoryEntry: entry}

	assert.True(t, p.Matches(&entry))
	changed := entry
	changed.Region = "EMEA"
	assert.False(t, p.Matches(&changed))
}
