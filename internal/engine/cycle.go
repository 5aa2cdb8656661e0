package engine

import (
	"log/slog"

	"github.com/google/uuid"
)

// CycleTokenGenerator produces the token that tags every log line of one
// push or pull cycle.
type CycleTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 cycle tokens, so cycles
// sort by start time when grepping logs. Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics only if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// startCycle draws a cycle token and returns a logger tagged with it and
// attrs.
func (c *Coordinator) startCycle(attrs ...any) (string, *slog.Logger) {
	token := c.tokens.Generate()
	return token, c.logger.With(append([]any{"cycle", token}, attrs...)...)
}
