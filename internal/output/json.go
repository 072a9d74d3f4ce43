package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic serializes v as indented JSON and publishes it at path
// by writing to a sibling temp file and renaming over the destination, so
// a reader polling path (e.g. a dashboard tailing qps_status.json) never
// observes a partially-written file (spec §4.3 snapshot atomicity
// invariant). Generalized from the teacher's output.WriteJSON, which wrote
// directly to the destination (or stdout for "-"/empty); the stdout
// special case is dropped here since every atomic consumer in this repo
// names a real path.
func WriteJSONAtomic(v any, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode JSON: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteJSONStdout writes v as indented JSON to stdout, used by CLI
// subcommands that print a single report (status, compare) rather than
// publish a file other processes poll.
func WriteJSONStdout(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
