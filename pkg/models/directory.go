package models

import (
	"time"

	"github.com/google/uuid"
)

// DirectoryEntry is the normalized form of one person from the directory feed.
type DirectoryEntry struct {
	SourceID    string `json:"source_id"` // login-style identifier, stable within the feed
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Company     string `json:"company"`
	Region      string `json:"region"`
	IsExternal  bool   `json:"is_external"`
}

// DirectoryProfile is the local projection of a DirectoryEntry.
// Stored in directory_profiles table.
type DirectoryProfile struct {
	ID        uuid.UUID `json:"id"`
	OriginRef string    `json:"origin_ref"`
	DirectoryEntry
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the stored profile already holds entry's attributes.
func (p *DirectoryProfile) Matches(entry *DirectoryEntry) bool {
	if p == nil || entry == nil {
		return false
	}
	return p.DirectoryEntry == *entry
}
