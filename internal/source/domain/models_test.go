package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDimensionsEncodeIsCanonical(t *testing.T) {
	a := Dimensions{"token_type": "input", "model": "claude-sonnet", "workspace_id": ""}
	b := Dimensions{"model": "claude-sonnet", "token_type": "input"}

	assert.Equal(t, "model=claude-sonnet;token_type=input", a.Encode())
	assert.Equal(t, a.Encode(), b.Encode())
	assert.Equal(t, `k\;1=v\=2`, Dimensions{"k;1": "v=2"}.Encode())
	assert.Equal(t, "", Dimensions(nil).Encode())
}

func TestDimensionsSubsets(t *testing.T) {
	d := Dimensions{"model": "m1", "token_type": "output", "workspace_id": "W1"}

	assert.Equal(t, Dimensions{"model": "m1", "token_type": "output"}, d.Only("model", "token_type", "missing"))
	assert.Equal(t, Dimensions{"model": "m1", "token_type": "output"}, d.Without("workspace_id"))
	assert.Equal(t, "W1", d.Get("workspace_id"))
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	got := Day(time.Date(2025, 3, 2, 3, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got)
}
