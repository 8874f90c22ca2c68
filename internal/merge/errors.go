package merge

import "errors"

var (
	// ErrNotMergeable is returned when blocks that differ in something other
	// than their arm selections are merged.
	ErrNotMergeable = errors.New("merge: calib blocks are not mergeable")

	// ErrNamesNotMergeable is returned when block names do not share a common
	// prefix in front of their arm codes.
	ErrNamesNotMergeable = errors.New("merge: block names are not mergeable")

	// ErrNoBlocks is returned when an empty group is merged.
	ErrNoBlocks = errors.New("merge: no blocks to merge")
)
