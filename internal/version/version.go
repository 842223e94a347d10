package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time with -ldflags "-X".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = time.Now().Format(time.RFC3339)
	GoVersion = runtime.Version()
)

// String is the one-line banner printed by the CLI and the rollout log.
func String() string {
	return fmt.Sprintf("cutover %s (commit %s, built %s, %s)", Version, Commit, BuildDate, GoVersion)
}
