package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteResultJSON writes the flat field to value map of result as
// <dir>/<image base>_result.json and returns the path.
func WriteResultJSON(dir, imageName string, result *FormResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("result is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(result.Values()); err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}

	path := filepath.Join(dir, baseName(imageName)+"_result.json")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}
