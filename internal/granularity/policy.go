package granularity

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
)

var ErrUnknownPolicy = errors.New("unknown_granularity_policy")

type Level string

const (
	LevelCoarse Level = "coarse"
	LevelFine   Level = "fine"
	// LevelSingle is used for platforms that report one level only.
	LevelSingle Level = "single"
)

// Candidate summarizes the levels present in one partition before selection.
type Candidate struct {
	CoarseRows int
	FineRows   int
	CoarseUSD  decimal.Decimal
	FineUSD    decimal.Decimal
	// Reconciled is true when both levels are present and agree within
	// tolerance.
	Reconciled bool
}

func (c Candidate) HasCoarse() bool { return c.CoarseRows > 0 }
func (c Candidate) HasFine() bool   { return c.FineRows > 0 }

// Policy picks the level kept for a partition.
type Policy interface {
	Name() string
	Select(c Candidate) Level
}

type finestComplete struct{}

func (finestComplete) Name() string { return config.GranularityPolicyFinestComplete }

func (finestComplete) Select(c Candidate) Level {
	switch {
	case !c.HasFine():
		return LevelCoarse
	case !c.HasCoarse():
		return LevelFine
	case c.Reconciled:
		return LevelFine
	default:
		return LevelCoarse
	}
}

type coarsest struct{}

func (coarsest) Name() string { return config.GranularityPolicyCoarsest }

func (coarsest) Select(c Candidate) Level {
	if c.HasCoarse() {
		return LevelCoarse
	}
	return LevelFine
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", config.GranularityPolicyFinestComplete:
		return finestComplete{}, nil
	case config.GranularityPolicyCoarsest:
		return coarsest{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
}
