package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
)

// loadProcessSecrets reads the host's own dotfile of process-local
// credentials (GitHub app tokens, API keys) that every container run needs.
// These are passed in via the stdin JSON payload, never as environment
// variables, so a sibling process inspecting /proc/<pid>/environ on the
// host can't read them. A missing file means no process-local secrets, not
// an error — a fresh install has none yet.
func loadProcessSecrets(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read process secrets %s: %w", path, err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse process secrets %s: %w", path, err)
	}
	return secrets, nil
}

// mergeSecrets overlays per-run secrets on top of process-local ones; a
// caller-supplied key always wins over the process-wide default.
func mergeSecrets(processSecrets, runSecrets map[string]string) map[string]string {
	merged := make(map[string]string, len(processSecrets)+len(runSecrets))
	for k, v := range processSecrets {
		merged[k] = v
	}
	for k, v := range runSecrets {
		merged[k] = v
	}
	return merged
}
