// Package classify defines the image classifier collaborator: the label
// model and an HTTP client for a batch NSFW detection service.
package classify

import (
	"context"
	"fmt"
)

// Label is the classifier verdict for one image.
type Label string

const (
	LabelSFW  Label = "SFW"
	LabelNSFW Label = "NSFW"
)

// Result is one classifier verdict with its confidence in [0,1].
type Result struct {
	Label Label   `json:"label"`
	Score float64 `json:"score"`
}

// Classifier scores a batch of local image files. Implementations must
// return a result for every input path or an error; silently dropping
// inputs is not allowed.
type Classifier interface {
	ClassifyFiles(ctx context.Context, paths []string) (map[string]Result, error)
}

// Error marks a classifier invocation failure. A batch that hits one
// produces no moderation output at all; callers must not fall back to
// partial results.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifier %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
