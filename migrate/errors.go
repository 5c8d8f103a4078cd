package migrate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDestructiveBlocked matches any migration rejected by the data-loss
// gate: use errors.Is(err, ErrDestructiveBlocked).
var ErrDestructiveBlocked = errors.New("destructive migration blocked")

// DataLossError reports a migration blocked by the data-loss gate. Nothing
// was executed; the caller can retry with Force/AllowDataLoss or set the
// process-wide destructive override.
type DataLossError struct {
	OwnerKey   string
	Warnings   []string
	Production bool
}

func (e *DataLossError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration for %s blocked: %d destructive operation(s) detected:\n", e.OwnerKey, len(e.Warnings))
	for _, w := range e.Warnings {
		b.WriteString("  - ")
		b.WriteString(w)
		b.WriteString("\n")
	}
	b.WriteString("re-run with Force or AllowDataLoss, or set the process-wide destructive override, to proceed")
	if e.Production {
		b.WriteString("\nin production, prefer a manually reviewed migration applied through your deployment pipeline")
	}
	return b.String()
}

// Is makes errors.Is(err, ErrDestructiveBlocked) succeed.
func (e *DataLossError) Is(target error) bool {
	return target == ErrDestructiveBlocked
}
