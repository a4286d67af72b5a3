package campaign

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadySending    = errors.New("campaign is already sending or sent")
	ErrEmptyAudience     = errors.New("no eligible recipients")
)

// ValidationError reports the fields a campaign is missing before it can be
// dispatched. It is user-correctable.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campaign is incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
