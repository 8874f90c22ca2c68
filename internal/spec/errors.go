package spec

// ============================================================================
// Spec Error Definitions
// Purpose: Errors shared by the YAML loader and the entity constructors
// ============================================================================

import "errors"

// Predefined errors
var (
	// ErrKeyValueFormat indicates a selector or config entry that is not in
	// "key=value" form (or whose key starts with a dash)
	ErrKeyValueFormat = errors.New("spec: illegal string that has to be 'key=value'")

	// ErrInvalidKeys indicates unrecognized keys in a YAML mapping
	ErrInvalidKeys = errors.New("spec: invalid keys")

	// ErrMissingName indicates a block without the mandatory "name" key
	ErrMissingName = errors.New(`spec: block must have "name" key`)
)
