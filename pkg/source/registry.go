// Package source maps upstream list items onto canonical records.
// Every schema version has its own Normalizer; nothing outside this
// package sees the raw upstream shape.
package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// SchemaV1 is the only list schema currently defined.
const SchemaV1 = "V1"

// Normalizer turns one raw upstream item into a canonical record.
type Normalizer interface {
	Normalize(raw json.RawMessage) (*models.CanonicalRecord, error)
}

// NormalizerFunc adapts a function to the Normalizer interface.
type NormalizerFunc func(raw json.RawMessage) (*models.CanonicalRecord, error)

// Normalize implements Normalizer.
func (f NormalizerFunc) Normalize(raw json.RawMessage) (*models.CanonicalRecord, error) {
	return f(raw)
}

// Registry dispatches items to the normalizer for their schema version.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

// NewRegistry returns a registry with every built-in schema version registered.
func NewRegistry() *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer)}
	r.Register(SchemaV1, NormalizerFunc(normalizeV1))
	return r
}

// Register adds or replaces the normalizer for version.
func (r *Registry) Register(version string, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[canonicalVersion(version)] = n
}

// Supports reports whether version has a registered normalizer.
func (r *Registry) Supports(version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.normalizers[canonicalVersion(version)]
	return ok
}

// Versions lists registered schema versions in sorted order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.normalizers))
	for v := range r.normalizers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Normalize maps raw using the normalizer registered for version.
// An unknown version fails with apperrors.ErrUnsupportedSchema.
func (r *Registry) Normalize(raw json.RawMessage, version string) (*models.CanonicalRecord, error) {
	r.mu.RLock()
	n, ok := r.normalizers[canonicalVersion(version)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema version %q: %w", version, apperrors.ErrUnsupportedSchema)
	}
	return n.Normalize(raw)
}

func canonicalVersion(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// invalid wraps a decode or validation failure as a structural error.
func invalid(what string, err error) error {
	return fmt.Errorf("%s: %v: %w", what, err, apperrors.ErrInvalidPayload)
}

// cleanLabels trims labels, drops blanks and removes case-insensitive
// duplicates while keeping first-seen order and spelling.
func cleanLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		key := strings.ToLower(l)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

// ProbeID extracts a best-effort identifier from an item that failed
// normalization so the failure can still be attributed. Returns "" when the
// item carries none.
func ProbeID(raw json.RawMessage) string {
	var probe struct {
		ID    json.RawMessage `json:"id"`
		Login string          `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if id := strings.TrimSpace(jsonutil.FlexibleStringValue(probe.ID)); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(probe.Login))
}
