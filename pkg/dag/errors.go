package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStructural is matched by every StructuralError.
var ErrStructural = errors.New("invalid workflow graph")

// StructuralError reports a DAG that failed validation. It is raised before
// anything executes and is not recoverable.
type StructuralError struct {
	DAGID  string
	Issues []Issue
}

func (e *StructuralError) Error() string {
	messages := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		messages = append(messages, issue.String())
	}

	return fmt.Sprintf("dag %q is invalid: %s", e.DAGID, strings.Join(messages, "; "))
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}
