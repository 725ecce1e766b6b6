package policy

import (
	"errors"
	"fmt"
	"strings"

	"tierline/internal/domain"
)

var (
	ErrInvalidScore           = errors.New("invalid score")
	ErrInvalidThresholdConfig = errors.New("invalid threshold config")
	ErrTrackMismatch          = errors.New("threshold table track mismatch")
	ErrUnknownTrack           = errors.New("unknown track")
	ErrRotationDisabled       = errors.New("voting group has no rotation")
)

// ThresholdConfigError describes a rejected configuration write. It matches
// ErrInvalidThresholdConfig via errors.Is.
type ThresholdConfigError struct {
	Track      domain.Track
	Department string
	Subject    string
	Index      int
	Reason     string
}

func (e *ThresholdConfigError) Error() string {
	var parts []string
	if e.Track != "" {
		where := string(e.Track)
		if e.Department != "" {
			where += "/" + e.Department
		}
		parts = append(parts, where)
	}
	if e.Subject != "" {
		parts = append(parts, e.Subject)
	}
	if e.Index >= 0 {
		parts = append(parts, fmt.Sprintf("entry %d", e.Index))
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidThresholdConfig, strings.Join(parts, " "), e.Reason)
}

func (e *ThresholdConfigError) Is(target error) bool {
	return target == ErrInvalidThresholdConfig
}

func configError(track domain.Track, dept, subject string, index int, format string, args ...any) error {
	return &ThresholdConfigError{
		Track:      track,
		Department: dept,
		Subject:    subject,
		Index:      index,
		Reason:     fmt.Sprintf(format, args...),
	}
}
