package routes

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
	"github.com/MrSnakeDoc/cutover/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/cutover/internal/httpserver/mw"
)

// IdentityPath is where the traffic split check looks for the instance id.
const IdentityPath = "/api/server-identity"

func init() { Add("identity", mountIdentity) }

func mountIdentity(r chi.Router, d deps.Deps) {
	limit := mw.RateLimit(mw.RateLimitConfig{
		Limit:      d.RateLimit,
		Window:     time.Minute,
		TrustProxy: d.TrustProxy,
	})
	r.With(limit).Get(IdentityPath, handlers.Identity(d))
}
