package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
)

// BuildSnapshot validates raw mapping rows and indexes the usable ones.
//
// Rows without a vendor identity or with a malformed email are skipped.
// Rows without a platform get one inferred from their description, or are
// skipped when nothing matches. When a (platform, vendor identity) pair
// appears more than once the most recently updated row wins; a conflict is
// counted only if the candidates disagree on the email.
func BuildSnapshot(source string, rows []domain.MappingRow, loadedAt time.Time) *domain.Snapshot {
	var (
		issues    []error
		malformed int
		conflicts int
	)
	issue := func(row domain.MappingRow, platform, reason string) {
		issues = append(issues, &errs.MappingDataError{
			Source:         source,
			Line:           row.Line,
			Platform:       platform,
			VendorIdentity: row.VendorIdentity,
			Reason:         reason,
		})
	}

	chosen := make(map[string]domain.IdentityMapping, len(rows))

	for _, row := range rows {
		vendorIdentity := strings.TrimSpace(row.VendorIdentity)
		platform := strings.ToLower(strings.TrimSpace(row.Platform))
		if vendorIdentity == "" {
			malformed++
			issue(row, platform, "empty vendor identity")
			continue
		}

		mappingSource := domain.MappingSource(strings.ToLower(strings.TrimSpace(row.MappingSource)))
		if platform == "" {
			d, ok := DetectPlatform(row.Description, vendorIdentity)
			if !ok {
				malformed++
				issue(row, platform, "missing platform and none could be inferred")
				continue
			}
			platform = d.Category
			mappingSource = domain.MappingSourceKeywordInferred
		}

		var email string
		if raw := strings.TrimSpace(row.CanonicalEmail); raw != "" {
			normalized, ok := domain.NormalizeEmail(raw)
			if !ok {
				malformed++
				issue(row, platform, fmt.Sprintf("malformed email %q", raw))
				continue
			}
			email = normalized
		}
		switch {
		case email == "":
			mappingSource = domain.MappingSourceUnmapped
		case mappingSource == "" || mappingSource == domain.MappingSourceUnmapped:
			mappingSource = domain.MappingSourceDirect
		}

		m := domain.IdentityMapping{
			VendorIdentity: vendorIdentity,
			Platform:       platform,
			CanonicalEmail: email,
			MappingSource:  mappingSource,
			Description:    strings.TrimSpace(row.Description),
			LastUpdated:    row.LastUpdated.UTC(),
		}

		key := platform + "|" + strings.ToLower(vendorIdentity)
		prev, exists := chosen[key]
		if !exists {
			chosen[key] = m
			continue
		}

		winner, loser := m, prev
		if prev.LastUpdated.After(m.LastUpdated) {
			winner, loser = prev, m
		}
		if winner.CanonicalEmail != loser.CanonicalEmail {
			conflicts++
			issue(row, platform, fmt.Sprintf("conflicting emails %q and %q, kept %q updated %s",
				winner.CanonicalEmail, loser.CanonicalEmail, winner.CanonicalEmail, winner.LastUpdated.Format(time.RFC3339)))
		}
		chosen[key] = winner
	}

	mappings := make([]domain.IdentityMapping, 0, len(chosen))
	for _, m := range chosen {
		mappings = append(mappings, m)
	}

	snapshot := domain.NewSnapshot(source, loadedAt, mappings)
	snapshot.RowsRead = len(rows)
	snapshot.Malformed = malformed
	snapshot.Conflicts = conflicts
	snapshot.Issues = issues
	return snapshot
}
