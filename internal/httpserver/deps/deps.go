package deps

import (
	"time"

	"github.com/MrSnakeDoc/cutover/internal/logger"
)

type Deps struct {
	Logger       logger.Logger
	StartTime    time.Time
	Version      string
	Commit       string
	BuildDate    string
	GoVersion    string
	TimeNow      func() time.Time // for testing, defaults to time.Now
	ServerID     string           // "main" | "running", reported by /api/server-identity
	Env          string           // deployment environment label (ex: production)
	RateLimit    int              // identity requests allowed per client IP per minute
	AllowedCIDRS []string         // IPs allowed to access healthz/readyz endpoints
	TrustProxy   bool             // true if running behind a trusted reverse proxy (e.g., nginx)
}

// Now returns the injected clock reading, falling back to time.Now.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
