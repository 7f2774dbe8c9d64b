package identity

import (
	"sort"
	"strings"

	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
)

// Resolver maps one platform's vendor identities to canonical users using a
// fixed snapshot. It is owned by a single platform pipeline and is not safe
// for concurrent use.
type Resolver struct {
	platform        string
	emailIdentities bool
	snapshot        *domain.Snapshot

	unmapped   int
	identities map[string]struct{}
	byMethod   map[domain.Method]int
}

func NewResolver(snapshot *domain.Snapshot, platform string, pcfg config.PlatformConfig) *Resolver {
	return &Resolver{
		platform:        strings.ToLower(strings.TrimSpace(platform)),
		emailIdentities: pcfg.EmailIdentities,
		snapshot:        snapshot,
		identities:      make(map[string]struct{}),
		byMethod:        make(map[domain.Method]int),
	}
}

// Resolve attributes vendorIdentity. label is the vendor's free-text name for
// the identity and only feeds keyword inference.
func (r *Resolver) Resolve(vendorIdentity, label string) (domain.Resolution, error) {
	vendorIdentity = strings.TrimSpace(vendorIdentity)
	if vendorIdentity == "" {
		return domain.Resolution{}, domain.ErrEmptyVendorIdentity
	}

	res := r.resolve(vendorIdentity, label)
	r.byMethod[res.Method]++
	if !res.Attributed() {
		r.unmapped++
		r.identities[vendorIdentity] = struct{}{}
	}
	return res, nil
}

func (r *Resolver) resolve(vendorIdentity, label string) domain.Resolution {
	if m, ok := r.snapshot.Lookup(r.platform, vendorIdentity); ok && m.CanonicalEmail != "" {
		email := m.CanonicalEmail
		if m.MappingSource == domain.MappingSourceKeywordInferred {
			return domain.Resolution{Email: &email, Confidence: domain.ConfidenceInferredMapped, Method: domain.MethodInferredMapping}
		}
		return domain.Resolution{Email: &email, Confidence: domain.ConfidenceDirect, Method: domain.MethodDirect}
	}

	if r.emailIdentities {
		if email, ok := domain.NormalizeEmail(vendorIdentity); ok {
			return domain.Resolution{Email: &email, Confidence: domain.ConfidenceDirectEmail, Method: domain.MethodDirectEmail}
		}
	}

	if d, ok := Detect(label); ok {
		return domain.Resolution{
			Confidence:         domain.ConfidenceNone,
			Method:             domain.MethodKeywordInferred,
			Category:           d.Category,
			CategoryConfidence: d.Confidence,
		}
	}

	return domain.Resolution{Confidence: domain.ConfidenceNone, Method: domain.MethodUnmapped}
}

// UnmappedStats counts lookups that did not produce a canonical user.
type UnmappedStats struct {
	Lookups    int      `json:"lookups" yaml:"lookups"`
	Identities []string `json:"identities" yaml:"identities"`
}

func (r *Resolver) Unmapped() UnmappedStats {
	ids := make([]string, 0, len(r.identities))
	for id := range r.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return UnmappedStats{Lookups: r.unmapped, Identities: ids}
}

// Methods returns lookup counts per resolution method.
func (r *Resolver) Methods() map[domain.Method]int {
	out := make(map[domain.Method]int, len(r.byMethod))
	for k, v := range r.byMethod {
		out[k] = v
	}
	return out
}
