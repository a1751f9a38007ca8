package broker

import (
	"net/http"

	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/request"
)

// Middleware attaches a request scope to every request and releases the
// connections opened during the request once next returns, including when
// next panics or the client goes away.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := request.FromHTTP(r)
		defer m.finish(scope)
		next.ServeHTTP(w, r.WithContext(request.WithScope(r.Context(), scope)))
	})
}

// FromRequest returns the connection for name on the scope attached to r
// by Middleware.
func (m *Manager) FromRequest(r *http.Request, name string) (*database.Connection, error) {
	scope, ok := request.ScopeFrom(r.Context())
	if !ok {
		return nil, ErrNoScope
	}
	return m.Connection(r.Context(), scope, name)
}
