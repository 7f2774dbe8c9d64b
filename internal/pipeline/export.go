package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportSummary writes summary to path as YAML when the extension is .yml or
// .yaml and as indented JSON otherwise.
func ExportSummary(path string, summary *RunSummary) error {
	var (
		payload []byte
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		payload, err = yaml.Marshal(summary)
	default:
		payload, err = json.MarshalIndent(summary, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, payload, 0o644)
}
