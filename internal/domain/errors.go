package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrInvalidTransition  = errors.New("invalid status transition")

	ErrImageDecode    = errors.New("image decode failed")
	ErrProcessing     = errors.New("image processing failed")
	ErrUpload         = errors.New("upload failed")
	ErrTemplateSchema = errors.New("workflow template does not match schema")
	ErrSubmission     = errors.New("prompt submission failed")
	ErrTimeout        = errors.New("generation timed out")
	ErrChannel        = errors.New("notification channel failed")
	ErrExecution      = errors.New("generation execution failed")
	ErrOutputNotFound = errors.New("generation output not found")
)

// UploadError tags an upload failure with the role of the image involved.
type UploadError struct {
	Label ImageRole
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Label, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUpload }

// IsAmbiguous reports whether err leaves the remote outcome unknown: the
// worker may still finish a job whose wait timed out or lost its channel.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrChannel)
}
