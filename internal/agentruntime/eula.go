package agentruntime

import (
	"fmt"
	"os"
	"strings"
)

// EULAGate persists a single acceptance flag (spec §4.5 EULA gate). Runner.Run checks it before
// registering or making any other network call and returns ErrEULANotAccepted when the flag is not
// set; the Client methods do not consult the gate themselves. Grounded on the teacher's convention of small file-backed flags under a configured
// path rather than a database row, since the gate must work before the agent has any store wired.
type EULAGate struct {
	path string
}

// NewEULAGate creates a gate backed by the acceptance-flag file at path.
func NewEULAGate(path string) *EULAGate {
	return &EULAGate{path: path}
}

// Accepted reports whether acceptance has already been persisted.
func (g *EULAGate) Accepted() bool {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == acceptedMarker
}

// Accept persists the acceptance flag. Idempotent.
func (g *EULAGate) Accept() error {
	return os.WriteFile(g.path, []byte(acceptedMarker), 0o644)
}

const acceptedMarker = "accepted"

// ErrEULANotAccepted is returned by Runner.Run when acceptance has not been persisted.
var ErrEULANotAccepted = fmt.Errorf("EULA not accepted: set %s or run the agent's --accept-eula flag", "EULA_ACCEPTED_PATH")
