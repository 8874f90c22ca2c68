package compile

import "errors"

var (
	// ErrCleanLinkedCalibs is returned for --clean with link copy mode.
	// Removing byproducts would delete the link targets, which are the only
	// copy of the ingested calibs.
	ErrCleanLinkedCalibs = errors.New("compile: byproducts cannot be cleaned when calibs are ingested by linking")

	// ErrUnknownBlocks is returned when requested block names are not in
	// the spec.
	ErrUnknownBlocks = errors.New("compile: unrecognised blocks")

	// ErrNoInitSource is returned when --init is requested but the spec
	// has no init section.
	ErrNoInitSource = errors.New("compile: no init section to execute")
)
