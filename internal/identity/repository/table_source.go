package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/usageledger/internal/errs"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/pkg/db"
	"gorm.io/gorm"
)

// TableSource reads the mapping mirrored into identity_mappings.
type TableSource struct {
	db *gorm.DB
}

func NewTableSource(conn *gorm.DB) *TableSource {
	return &TableSource{db: conn}
}

func (s *TableSource) Name() string { return "table:identity_mappings" }

func (s *TableSource) Rows(ctx context.Context) ([]identitydomain.MappingRow, error) {
	var records []struct {
		VendorIdentity string
		Platform       string
		CanonicalEmail string
		MappingSource  string
		Description    string
		LastUpdated    time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT vendor_identity, platform, canonical_email, mapping_source, description, last_updated
		 FROM identity_mappings
		 ORDER BY last_updated ASC, id ASC`,
	).Scan(&records).Error
	if err != nil {
		if db.IsRetryable(err) {
			return nil, &errs.TransientFetchError{Platform: "identity", Op: "select identity_mappings", Err: err}
		}
		return nil, err
	}

	rows := make([]identitydomain.MappingRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, identitydomain.MappingRow{
			VendorIdentity: r.VendorIdentity,
			CanonicalEmail: r.CanonicalEmail,
			Platform:       r.Platform,
			MappingSource:  r.MappingSource,
			Description:    r.Description,
			LastUpdated:    r.LastUpdated,
		})
	}
	return rows, nil
}
