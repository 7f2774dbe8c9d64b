package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type MappingSource string

const (
	MappingSourceDirect          MappingSource = "direct"
	MappingSourceKeywordInferred MappingSource = "keyword_inferred"
	MappingSourceUnmapped        MappingSource = "unmapped"
)

type Method string

const (
	MethodDirect          Method = "direct"
	MethodDirectEmail     Method = "direct_email"
	// MethodInferredMapping is an exact match on a mapping row whose platform
	// was inferred from its description rather than stated.
	MethodInferredMapping Method = "inferred_mapping"
	MethodKeywordInferred Method = "keyword_inferred"
	MethodUnmapped        Method = "unmapped"
)

const (
	ConfidenceDirect         = 1.0
	ConfidenceInferredMapped = 0.8
	ConfidenceDirectEmail    = 0.9
	ConfidenceNone           = 0.0
)

// IdentityMapping is one row of the identity spreadsheet as mirrored into
// the warehouse.
type IdentityMapping struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	VendorIdentity string        `json:"vendor_identity" gorm:"type:text;not null;index:ix_identity_mappings_lookup,priority:2"`
	Platform       string        `json:"platform" gorm:"type:text;not null;index:ix_identity_mappings_lookup,priority:1"`
	CanonicalEmail string        `json:"canonical_email" gorm:"type:text"`
	MappingSource  MappingSource `json:"mapping_source" gorm:"type:text;not null"`
	Description    string        `json:"description" gorm:"type:text"`
	LastUpdated    time.Time     `json:"last_updated" gorm:"not null"`
}

func (IdentityMapping) TableName() string { return "identity_mappings" }

// MappingRow is a mapping as read from a source, before validation.
type MappingRow struct {
	// Line is the 1-based row in file sources, 0 otherwise.
	Line           int
	VendorIdentity string
	CanonicalEmail string
	Platform       string
	MappingSource  string
	Description    string
	LastUpdated    time.Time
}

// Resolution is the outcome of resolving one vendor identity.
type Resolution struct {
	Email      *string
	Confidence float64
	Method     Method
	// Category is the platform or account class inferred from the label when
	// no mapping matched.
	Category           string
	CategoryConfidence float64
}

func (r Resolution) Attributed() bool {
	return r.Email != nil
}

// Snapshot is an immutable, versioned view of the identity mapping. It is
// loaded once per run and shared by reference.
type Snapshot struct {
	Version  string
	Source   string
	LoadedAt time.Time
	// Stale is set when the source was unreachable and the last good
	// snapshot was used instead.
	Stale     bool
	RowsRead  int
	Conflicts int
	Malformed int
	Issues    []error

	entries map[string]IdentityMapping
}

func lookupKey(platform, vendorIdentity string) string {
	return strings.ToLower(strings.TrimSpace(platform)) + "|" + strings.ToLower(strings.TrimSpace(vendorIdentity))
}

// NewSnapshot indexes mappings by (platform, vendor identity). Later entries
// replace earlier ones with the same key.
func NewSnapshot(source string, loadedAt time.Time, mappings []IdentityMapping) *Snapshot {
	s := &Snapshot{
		Source:   source,
		LoadedAt: loadedAt.UTC(),
		entries:  make(map[string]IdentityMapping, len(mappings)),
	}
	for _, m := range mappings {
		s.entries[lookupKey(m.Platform, m.VendorIdentity)] = m
	}
	s.Version = s.checksum()
	return s
}

func (s *Snapshot) checksum() string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		m := s.entries[k]
		h.Write([]byte(k))
		h.Write([]byte{'|'})
		h.Write([]byte(m.CanonicalEmail))
		h.Write([]byte{'|'})
		h.Write([]byte(m.MappingSource))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Snapshot) Lookup(platform, vendorIdentity string) (IdentityMapping, bool) {
	if s == nil {
		return IdentityMapping{}, false
	}
	m, ok := s.entries[lookupKey(platform, vendorIdentity)]
	return m, ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Mappings returns the indexed mappings ordered by platform then identity.
func (s *Snapshot) Mappings() []IdentityMapping {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]IdentityMapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k])
	}
	return out
}

// NormalizeEmail lowercases a bare address and reports whether it is valid.
// Display-name forms are rejected.
func NormalizeEmail(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " <>") {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}
