package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/smallbiznis/usageledger/internal/errs"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
)

var ErrMissingColumn = errors.New("missing_column")

var lastUpdatedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// CSVSource reads a spreadsheet export of the identity mapping. Columns are
// located by header name so the sheet can be reordered freely.
type CSVSource struct {
	path string
}

func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

func (s *CSVSource) Name() string { return "csv:" + s.path }

func (s *CSVSource) Rows(ctx context.Context) ([]identitydomain.MappingRow, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &errs.TransientFetchError{Platform: "identity", Op: "open " + s.path, Err: err}
	}
	defer f.Close()
	return readMappingCSV(ctx, f)
}

func readMappingCSV(ctx context.Context, r io.Reader) ([]identitydomain.MappingRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[normalizeHeader(name)] = i
	}
	if _, ok := columns["vendor_identity"]; !ok {
		return nil, fmt.Errorf("%w: vendor_identity", ErrMissingColumn)
	}
	if _, ok := columns["canonical_email"]; !ok {
		if i, ok := columns["email"]; ok {
			columns["canonical_email"] = i
		} else {
			return nil, fmt.Errorf("%w: canonical_email", ErrMissingColumn)
		}
	}

	var rows []identitydomain.MappingRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		if isBlank(record) {
			continue
		}
		rows = append(rows, identitydomain.MappingRow{
			Line:           line,
			VendorIdentity: field("vendor_identity"),
			CanonicalEmail: field("canonical_email"),
			Platform:       field("platform"),
			MappingSource:  field("mapping_source"),
			Description:    field("description"),
			LastUpdated:    parseLastUpdated(field("last_updated")),
		})
	}
	return rows, nil
}

func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseLastUpdated returns the zero time for unparseable values, which ranks
// the row below any dated duplicate.
func parseLastUpdated(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range lastUpdatedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
