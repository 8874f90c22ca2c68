package specgen

import "errors"

var (
	// ErrNoSources is returned when an empty file id list would have to be
	// rendered as a data selection.
	ErrNoSources = errors.New("specgen: empty list of file ids cannot be expressed as a source filter")

	// ErrNotCartesian is returned when a file id list is not the full
	// product of its visits, arms and spectrographs.
	ErrNotCartesian = errors.New("specgen: file ids do not form a full visit/arm/spectrograph product")

	// ErrChunkSize is returned for a non-positive chunk size.
	ErrChunkSize = errors.New("specgen: chunk size must be positive")
)
