package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("manifest validation failed")
	ErrUnsafeOrigin    = errors.New("unsafe manifest origin")
	ErrInsecureChannel = errors.New("insecure manifest channel")
	ErrInstallDeclined = errors.New("manifest install declined")
	ErrShadowed        = errors.New("manifest shadowed by installed record")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid manifest: %s", e.Reason)
	}
	return fmt.Sprintf("invalid manifest field %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type UnsafeOriginError struct {
	URL     string
	Verdict int
}

func (e *UnsafeOriginError) Error() string {
	return fmt.Sprintf("manifest url %s classified as unsafe (verdict %d)", e.URL, e.Verdict)
}

func (e *UnsafeOriginError) Is(target error) bool {
	return target == ErrUnsafeOrigin
}

type InsecureChannelError struct {
	URL string
}

func (e *InsecureChannelError) Error() string {
	return fmt.Sprintf("manifest url %s was not served over a verified secure channel", e.URL)
}

func (e *InsecureChannelError) Is(target error) bool {
	return target == ErrInsecureChannel
}

// ShadowedError reports a builtin manifest that was not stored because a
// record installed from elsewhere already owns its origin.
type ShadowedError struct {
	Origin   string
	Location string
}

func (e *ShadowedError) Error() string {
	return fmt.Sprintf("builtin manifest %s for %s is shadowed by an installed record", e.Location, e.Origin)
}

func (e *ShadowedError) Is(target error) bool {
	return target == ErrShadowed
}
