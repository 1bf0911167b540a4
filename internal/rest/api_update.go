package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rexos/rexos-updated/api"
	"github.com/rexos/rexos-updated/internal/backup"
	"github.com/rexos/rexos-updated/internal/checker"
	"github.com/rexos/rexos-updated/internal/config"
	"github.com/rexos/rexos-updated/internal/daemon"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/rest/response"
)

const progressPath = "/1.0/update/progress"

// swagger:operation GET /1.0/update update update_get
//
//	Get update information
//
//	Returns the update policy and the current update state.
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "200":
//	    description: Policy and state of the update daemon
//	    schema:
//	      type: object
//	      properties:
//	        metadata:
//	          type: json
//	          description: Policy and state of the update daemon
//	          example: {"config":{"channel":"stable","check_frequency":"6h","check_on_boot":true,"auto_install":false},"state":{"current_version":"1.0.0","last_check":"2026-10-15T08:00:00Z","status":"Update available","available":{"version":"1.1.0"},"needs_reboot":false}}

// swagger:operation PUT /1.0/update update update_put
//
//	Update the update policy
//
//	Replaces the update policy. Changing the channel forgets any release
//	found on the previous one.
//
//	---
//	consumes:
//	  - application/json
//	produces:
//	  - application/json
//	responses:
//	  "200":
//	    description: Policy applied
//	  "400":
//	    description: Invalid policy
func (s *Server) apiUpdate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		status := s.daemon.Status()

		_ = response.SyncResponseETag(true, status, status.Config).Render(w)
	case http.MethodPut:
		err := response.EtagCheck(r, s.daemon.Config())
		if err != nil {
			_ = response.PreconditionFailed(err).Render(w)

			return
		}

		newConfig := &api.SystemUpdate{}

		err = json.NewDecoder(r.Body).Decode(newConfig)
		if err != nil {
			_ = response.BadRequest(err).Render(w)

			return
		}

		err = s.daemon.SetConfig(newConfig.Config)
		if err != nil {
			_ = errorResponse(err).Render(w)

			return
		}

		_ = response.EmptySyncResponse.Render(w)
	default:
		// If none of the supported methods, return NotImplemented.
		_ = response.NotImplemented(nil).Render(w)
	}
}

// swagger:operation POST /1.0/update/:check update update_post_check
//
//	Trigger update check
//
//	Asks the update server for a newer release and returns it. The metadata
//	is null when the system is up to date.
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "200":
//	    description: The available release, if any
//	  "409":
//	    description: Another update operation is running
func (s *Server) apiUpdateCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	release, err := s.daemon.Check(r.Context())
	if err != nil {
		_ = errorResponse(err).Render(w)

		return
	}

	_ = response.SyncResponse(true, release).Render(w)
}

// swagger:operation POST /1.0/update/:download update update_post_download
//
//	Download the available update
//
//	Starts downloading and verifying the release found by the last check.
//	Progress is reported by /1.0/update/progress.
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "202":
//	    description: Download started
//	  "404":
//	    description: No update is available
//	  "409":
//	    description: Another update operation is running
func (s *Server) apiUpdateDownload(w http.ResponseWriter, r *http.Request) {
	s.startOperation(w, r, s.daemon.StartDownload)
}

// swagger:operation POST /1.0/update/:install update update_post_install
//
//	Install the downloaded update
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "202":
//	    description: Installation started
//	  "409":
//	    description: Another update operation is running
//	  "412":
//	    description: No verified package has been downloaded
func (s *Server) apiUpdateInstall(w http.ResponseWriter, r *http.Request) {
	s.startOperation(w, r, s.daemon.StartInstall)
}

// swagger:operation POST /1.0/update/:update update update_post_update
//
//	Run a full update
//
//	Checks, downloads, verifies and installs the latest release.
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "202":
//	    description: Update started
//	  "409":
//	    description: Another update operation is running
func (s *Server) apiUpdateUpdate(w http.ResponseWriter, r *http.Request) {
	s.startOperation(w, r, s.daemon.StartUpdate)
}

// swagger:operation POST /1.0/update/:rollback update update_post_rollback
//
//	Roll back the last update
//
//	Restores the files saved by the most recent installation.
//
//	---
//	produces:
//	  - application/json
//	responses:
//	  "200":
//	    description: The restored backup generation
//	  "409":
//	    description: Another update operation is running
//	  "412":
//	    description: No backup is available
func (s *Server) apiUpdateRollback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	restored, err := s.daemon.Rollback(r.Context())
	if err != nil {
		_ = errorResponse(err).Render(w)

		return
	}

	_ = response.SyncResponse(true, restored).Render(w)
}

func (s *Server) apiUpdateCancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	s.daemon.Cancel()

	_ = response.EmptySyncResponse.Render(w)
}

func (s *Server) apiUpdateProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	_ = response.SyncResponse(true, s.daemon.Progress()).Render(w)
}

func (s *Server) apiUpdateBackups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	backups, err := s.daemon.Backups()
	if err != nil {
		_ = response.InternalError(err).Render(w)

		return
	}

	_ = response.SyncResponse(true, backups).Render(w)
}

// startOperation runs a background update operation and points the
// client at the progress endpoint.
func (*Server) startOperation(w http.ResponseWriter, r *http.Request, start func() error) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	err := start()
	if err != nil {
		_ = errorResponse(err).Render(w)

		return
	}

	_ = response.SyncResponseAccepted(nil, progressPath).Render(w)
}

// errorResponse maps update errors to HTTP errors.
func errorResponse(err error) response.Response {
	switch {
	case errors.Is(err, manager.ErrBusy):
		return response.Conflict(err)
	case errors.Is(err, manager.ErrNoUpdate):
		return response.NotFound(err)
	case errors.Is(err, daemon.ErrNoPackage), errors.Is(err, backup.ErrNoBackup):
		return response.PreconditionFailed(err)
	case errors.Is(err, config.ErrInvalidConfig):
		return response.BadRequest(err)
	case errors.Is(err, manager.ErrInsufficientSpace):
		return response.ErrorResponse(http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, checker.ErrCheckFailed):
		return response.Unavailable(err)
	default:
		return response.InternalError(err)
	}
}
