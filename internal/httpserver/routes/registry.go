package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
)

type (
	Mounter    func(r chi.Router, d deps.Deps)
	Middleware = func(http.Handler) http.Handler
)

// group is a named set of routes sharing the same middlewares.
type group struct {
	name  string
	mount Mounter
	mws   []Middleware
}

var groups []group

// Add registers a route group. Groups mount in registration order.
func Add(name string, m Mounter, mws ...Middleware) {
	groups = append(groups, group{name: name, mount: m, mws: mws})
}

// Groups lists the registered group names.
func Groups() []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.name)
	}
	return names
}

// Mount attaches every group to r. Called once per router.
func Mount(r chi.Router, d deps.Deps) {
	for _, g := range groups {
		sub := r
		if len(g.mws) > 0 {
			sub = r.With(g.mws...)
		}
		g.mount(sub, d)
	}
}
