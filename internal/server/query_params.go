package server

import (
	"errors"
	"strings"

	pipelinedomain "github.com/smallbiznis/usageledger/internal/pipeline/domain"
)

var errInvalidStatus = errors.New("invalid_status")

func parseOptionalRunStatus(value string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	switch trimmed {
	case "":
		return "", nil
	case pipelinedomain.RunStatusRunning,
		pipelinedomain.RunStatusCompleted,
		pipelinedomain.RunStatusPartial,
		pipelinedomain.RunStatusFailed:
		return trimmed, nil
	default:
		return "", errInvalidStatus
	}
}
