package density

import (
	"fmt"
)

// InvalidInputError reports a malformed or insufficient polygon.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid polygon: " + e.Reason
}

func invalidInput(format string, args ...any) error {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

// RasterAccessError reports a raster that could not be opened, reprojected
// onto, or clipped. It is recovered per role and never reaches the caller.
type RasterAccessError struct {
	Role Role
	Path string
	Err  error
}

func (e *RasterAccessError) Error() string {
	return fmt.Sprintf("%s raster %s: %v", e.Role, e.Path, e.Err)
}

func (e *RasterAccessError) Unwrap() error {
	return e.Err
}
