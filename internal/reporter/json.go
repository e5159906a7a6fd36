package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/cronforge/internal/task"
)

// WriteJSONReport writes the run result as JSON to the given path.
func WriteJSONReport(result *task.RunResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return nil
}

// ReadJSONReport loads a run result previously written by WriteJSONReport.
func ReadJSONReport(path string) (*task.RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var result task.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &result, nil
}

// EncodeJSON writes v as indented JSON followed by a newline.
func EncodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
