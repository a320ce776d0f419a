package field

import "errors"

// Classified pipeline errors. Callers wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrBoundaryParse          = errors.New("boundary could not be parsed as polygon geometry")
	ErrBoundaryEmpty          = errors.New("boundary geometry has zero area")
	ErrInvalidBounds          = errors.New("invalid bounds")
	ErrInsufficientSamples    = errors.New("insufficient samples")
	ErrInsufficientTimeSlices = errors.New("insufficient time slices")
	ErrEmptyFrameSequence     = errors.New("empty frame sequence")
	ErrFrameSizeMismatch      = errors.New("frame size mismatch")
	ErrNumericInstability     = errors.New("numeric instability")
	ErrFieldShapeMismatch     = errors.New("field shape mismatch")
	ErrInvalidBlendFactor     = errors.New("blend factor outside [0, 1]")
)

var inputErrors = []error{
	ErrBoundaryParse,
	ErrBoundaryEmpty,
	ErrInvalidBounds,
	ErrInsufficientSamples,
	ErrInsufficientTimeSlices,
	ErrEmptyFrameSequence,
	ErrFrameSizeMismatch,
	ErrFieldShapeMismatch,
	ErrInvalidBlendFactor,
}

// IsInputError reports whether err is a structural or input error that
// should be reported back to the caller rather than treated as an
// internal failure.
func IsInputError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range inputErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
