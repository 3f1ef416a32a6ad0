package upload

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUpload matches every error returned by an upload flow.
var ErrUpload = errors.New("upload failed")

// Stage names the step of the flow that failed.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageCredential Stage = "credential"
	StageTransfer   Stage = "transfer"
	StageCache      Stage = "cache"
	StageAnalysis   Stage = "analysis"
)

type Error struct {
	Stage Stage
	File  string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("upload %s: %s: %v", e.File, e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUpload }

// TransferError is a non-2xx answer from object storage.
type TransferError struct {
	StatusCode int
	Body       string
}

func (e *TransferError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("object storage answered %d", e.StatusCode)
	}
	return fmt.Sprintf("object storage answered %d: %s", e.StatusCode, e.Body)
}
