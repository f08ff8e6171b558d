package insuree

import (
	"errors"
	"strings"

	"github.com/imis/insuree/internal/insureenumber"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrFamilyHead      = errors.New("family head cannot be deleted or moved on its own")
	ErrNotFamilyMember = errors.New("insuree is not a member of the family")
	ErrMissingLevel    = errors.New("parent_location_level is required when filtering on parent_location")
	ErrPhotoNotStored  = errors.New("photo has no content")

	// ErrNumberTaken is returned by a repository when a write would give two
	// live insurees the same number.
	ErrNumberTaken = errors.New("insuree number already assigned to a live insuree")
)

// ValidationError is returned when input fails validation. It carries the
// insuree number errors, if any, so they can be reported with their codes.
type ValidationError struct {
	Message      string
	NumberErrors []insureenumber.Error
}

func (e *ValidationError) Error() string {
	if len(e.NumberErrors) == 0 {
		return e.Message
	}
	msgs := make([]string, len(e.NumberErrors))
	for i, ne := range e.NumberErrors {
		msgs[i] = ne.Message
	}
	if e.Message == "" {
		return strings.Join(msgs, "; ")
	}
	return e.Message + ": " + strings.Join(msgs, "; ")
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}
