package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{`INSERT INTO "cost_facts" ("natural_key") VALUES ($1) ON CONFLICT DO UPDATE SET amount_usd = excluded.amount_usd`, "INSERT", "cost_facts"},
		{`SELECT amount_usd FROM cost_delta_ledger WHERE platform = $1`, "SELECT", "cost_delta_ledger"},
		{`UPDATE "ingestion_runs" SET status = $1`, "UPDATE", "ingestion_runs"},
		{`DELETE FROM raw_cost_records WHERE activity_date = ?`, "DELETE", "raw_cost_records"},
		{``, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}
