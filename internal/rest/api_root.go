package rest

import (
	"net/http"

	"github.com/rexos/rexos-updated/internal/rest/response"
	"github.com/rexos/rexos-updated/internal/version"
)

func (*Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path != "/" {
		_ = response.NotFound(nil).Render(w)

		return
	}

	_ = response.SyncResponse(true, []string{"/1.0"}).Render(w)
}

func (s *Server) apiRoot10(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	status := s.daemon.Status()

	resp := map[string]any{
		"environment": map[string]any{
			"os_version":     status.State.CurrentVersion,
			"daemon_version": version.Build,
			"channel":        status.Config.Channel,
		},
	}

	_ = response.SyncResponse(true, resp).Render(w)
}
