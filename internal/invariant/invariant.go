// Package invariant reports state-machine invariant violations. In strict mode
// a violation panics; otherwise it is logged and the caller no-ops.
package invariant

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Guard handles invariant violations for one component.
type Guard struct {
	strict bool
	log    zerolog.Logger
}

// New creates a Guard. strict should be on in development.
func New(strict bool, log zerolog.Logger) *Guard {
	return &Guard{
		strict: strict,
		log:    log.With().Str("component", "invariant").Logger(),
	}
}

// Violation reports msg. It panics in strict mode. A nil Guard ignores the call.
func (g *Guard) Violation(msg string, fields map[string]any) {
	if g == nil {
		return
	}
	if g.strict {
		panic(fmt.Sprintf("invariant violation: %s %v", msg, fields))
	}
	g.log.Error().Fields(fields).Msg("Invariant violation: " + msg)
}

// Strict reports whether violations panic.
func (g *Guard) Strict() bool {
	return g != nil && g.strict
}
