package execute

import (
	"fmt"

	"muse/api/internal/store"
)

// RollbackRecord is the reversal payload stored with an applied suggestion.
type RollbackRecord = store.RollbackRecord

// Result is the uniform envelope every executor returns.
type Result[T any] struct {
	Success   bool
	Message   string
	Value     T
	Artifacts []store.Artifact
	Rollback  *RollbackRecord
}

func ok[T any](value T, artifact store.Artifact, rollback *RollbackRecord) Result[T] {
	return Result[T]{Success: true, Value: value, Artifacts: []store.Artifact{artifact}, Rollback: rollback}
}

func fail[T any](format string, args ...any) Result[T] {
	return Result[T]{Message: fmt.Sprintf(format, args...)}
}

// Primary narrows a typed result to its first artifact.
func Primary[T any](r Result[T]) Result[store.Artifact] {
	out := Result[store.Artifact]{Success: r.Success, Message: r.Message, Artifacts: r.Artifacts, Rollback: r.Rollback}
	if len(r.Artifacts) > 0 {
		out.Value = r.Artifacts[0]
	}
	return out
}

// Execution converts the envelope into its persisted form.
func (r Result[T]) Execution() store.ExecutionResult {
	return store.ExecutionResult{
		Success:   r.Success,
		Message:   r.Message,
		Artifacts: r.Artifacts,
		Rollback:  r.Rollback,
	}
}
