package domain

import "errors"

var (
	ErrInvalidTransition  = errors.New("invalid_state_transition")
	ErrRunBudgetExhausted = errors.New("run_budget_exhausted")
	ErrInvalidDateRange   = errors.New("invalid_date_range")
	ErrNoPlatforms        = errors.New("no_platforms_selected")
	ErrRunNotFound        = errors.New("run_not_found")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
)
