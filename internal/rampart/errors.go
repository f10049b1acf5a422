package rampart

import "errors"

// Error kinds the handler classifies origin/cache failures into.
// None of these ever reach the client directly; they are wrapped into
// the errors passed to the applog calls, so errors.Is works on what is
// logged. Status codes are chosen separately from the raw failure.
var (
	ErrInvalidURL        = errors.New("rampart: request url does not resolve against the upstream base")
	ErrCacheUnavailable  = errors.New("rampart: cache cluster unavailable")
	ErrOriginUnreachable = errors.New("rampart: origin unreachable")
	ErrOriginTimeout     = errors.New("rampart: origin request timed out")
	ErrOriginProtocol    = errors.New("rampart: malformed origin response")
)
