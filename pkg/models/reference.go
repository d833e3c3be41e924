package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RefScheme is the only addressing scheme the engine resolves itself.
// References with any other scheme are passed through to the backend opaque.
const RefScheme = "workflow"

// DataRef addresses another task's declared output:
// workflow://<taskID>/<relativePath>.
type DataRef struct {
	Raw    string `json:"raw"`               // Original reference string
	TaskID string `json:"task_id,omitempty"` // Producer task, empty when opaque
	Path   string `json:"path,omitempty"`    // Path relative to the producer's working dir
	Opaque bool   `json:"opaque,omitempty"`  // Non-workflow scheme, not resolved by the engine
}

// ParseRef parses a data reference. Non-workflow schemes yield an opaque
// reference rather than an error.
func ParseRef(raw string) (DataRef, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return DataRef{}, errors.Errorf("malformed data reference %q: missing scheme", raw)
	}
	if scheme != RefScheme {
		return DataRef{Raw: raw, Opaque: true}, nil
	}
	taskID, path, ok := strings.Cut(rest, "/")
	if !ok || taskID == "" || path == "" {
		return DataRef{}, errors.Errorf("malformed data reference %q: want %s://<task-id>/<path>", raw, RefScheme)
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return DataRef{}, errors.Errorf("data reference %q: path must be relative and must not escape", raw)
	}
	return DataRef{Raw: raw, TaskID: taskID, Path: path}, nil
}

// MustRef is a convenience for building workflows in code and tests.
func MustRef(raw string) DataRef {
	ref, err := ParseRef(raw)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r DataRef) String() string {
	if r.Opaque {
		return r.Raw
	}
	return fmt.Sprintf("%s://%s/%s", RefScheme, r.TaskID, r.Path)
}
