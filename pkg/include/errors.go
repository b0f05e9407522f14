package include

import "errors"

// Sentinel errors for the include engine.
var (
	// ErrBadPattern indicates an include pattern that does not compile or
	// does not have exactly one capture group. Raised at construction.
	ErrBadPattern = errors.New("include pattern must compile with exactly one capture group")

	// ErrBadNesting indicates a non-positive maximum nesting level. Raised
	// at construction.
	ErrBadNesting = errors.New("maximum nesting level must be positive")

	// ErrNestingLimit indicates an include chain deeper than the configured
	// maximum number of simultaneously open sources. Fatal.
	ErrNestingLimit = errors.New("include nesting limit exceeded")

	// ErrCircularInclude indicates a source that transitively includes
	// itself. Fatal.
	ErrCircularInclude = errors.New("circular include detected")

	// ErrNoLineAvailable indicates Next was called with no line remaining:
	// the caller skipped HasNext, or kept pulling after exhaustion or after
	// a fatal error was delivered. A usage error, not a data error.
	ErrNoLineAvailable = errors.New("no line available")
)
