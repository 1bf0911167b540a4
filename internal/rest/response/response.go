// Package response renders REST API responses in the Incus envelope format.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/lxc/incus/v6/shared/api"
)

// Response represents an API response.
type Response interface {
	Render(w http.ResponseWriter) error
	String() string
	Code() int
}

// Sync response.
type syncResponse struct {
	success   bool
	etag      any
	metadata  any
	location  string
	code      int
	plaintext bool
	compress  bool
}

// EmptySyncResponse represents an empty syncResponse.
var EmptySyncResponse = &syncResponse{success: true, metadata: make(map[string]any)}

// SyncResponse returns a new syncResponse with the success and metadata fields
// set to the provided values.
func SyncResponse(success bool, metadata any) Response {
	return &syncResponse{success: success, metadata: metadata}
}

// SyncResponseETag returns a new syncResponse with an etag computed from etag.
func SyncResponseETag(success bool, metadata any, etag any) Response {
	return &syncResponse{success: success, metadata: metadata, etag: etag}
}

// SyncResponseAccepted returns a 202 response pointing at where progress can be followed.
func SyncResponseAccepted(metadata any, location string) Response {
	return &syncResponse{success: true, metadata: metadata, location: location, code: http.StatusAccepted}
}

// SyncResponsePlain returns a plain text response, optionally gzip compressed.
func SyncResponsePlain(success bool, compress bool, metadata string) Response {
	return &syncResponse{success: success, metadata: metadata, plaintext: true, compress: compress}
}

func (r *syncResponse) Render(w http.ResponseWriter) error {
	if r.etag != nil {
		etag, err := etagHash(r.etag)
		if err == nil {
			w.Header().Set("ETag", fmt.Sprintf("%q", etag))
		}
	}

	code := r.code
	if r.location != "" {
		w.Header().Set("Location", r.location)

		if code == 0 {
			code = http.StatusCreated
		}
	}

	if code == 0 {
		code = http.StatusOK
	}

	if r.plaintext {
		w.Header().Set("Content-Type", "text/plain")

		if r.compress {
			w.Header().Set("Content-Encoding", "gzip")
		}

		w.WriteHeader(code)

		text, _ := r.metadata.(string)

		if r.compress {
			comp := gzip.NewWriter(w)

			_, err := comp.Write([]byte(text))
			if err != nil {
				_ = comp.Close()

				return err
			}

			return comp.Close()
		}

		_, err := w.Write([]byte(text))

		return err
	}

	status := api.Success
	if !r.success {
		status = api.Failure

		// Failures carrying an error are rendered as errors.
		err, ok := r.metadata.(error)
		if ok {
			return InternalError(err).Render(w)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return enc.Encode(api.ResponseRaw{
		Type:       api.SyncResponse,
		Status:     status.String(),
		StatusCode: int(status),
		Metadata:   r.metadata,
	})
}

func (r *syncResponse) String() string {
	if r.success {
		return "success"
	}

	return "failure"
}

// Code returns the HTTP code.
func (r *syncResponse) Code() int {
	if r.code == 0 {
		return http.StatusOK
	}

	return r.code
}

// Error response.
type errorResponse struct {
	code int
	msg  string
}

// ErrorResponse returns an error response with the given code and msg.
func ErrorResponse(code int, msg string) Response {
	return &errorResponse{code, msg}
}

func withDefault(err error, message string) string {
	if err != nil {
		return err.Error()
	}

	return message
}

// BadRequest returns a bad request response (400) with the given error.
func BadRequest(err error) Response {
	return &errorResponse{http.StatusBadRequest, withDefault(err, "bad request")}
}

// Conflict returns a conflict response (409) with the given error.
func Conflict(err error) Response {
	return &errorResponse{http.StatusConflict, withDefault(err, "conflict")}
}

// InternalError returns an internal error response (500) with the given error.
func InternalError(err error) Response {
	return &errorResponse{http.StatusInternalServerError, withDefault(err, "internal error")}
}

// NotFound returns a not found response (404) with the given error.
func NotFound(err error) Response {
	return &errorResponse{http.StatusNotFound, withDefault(err, "not found")}
}

// NotImplemented returns a not implemented response (501) with the given error.
func NotImplemented(err error) Response {
	return &errorResponse{http.StatusNotImplemented, withDefault(err, "not implemented")}
}

// PreconditionFailed returns a precondition failed response (412) with the
// given error.
func PreconditionFailed(err error) Response {
	return &errorResponse{http.StatusPreconditionFailed, withDefault(err, "precondition failed")}
}

// Unavailable returns an unavailable response (503) with the given error.
func Unavailable(err error) Response {
	return &errorResponse{http.StatusServiceUnavailable, withDefault(err, "unavailable")}
}

func (r *errorResponse) String() string {
	return r.msg
}

// Code returns the HTTP code.
func (r *errorResponse) Code() int {
	return r.code
}

func (r *errorResponse) Render(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(r.code)

	return json.NewEncoder(w).Encode(api.ResponseRaw{
		Type:  api.ErrorResponse,
		Error: r.msg,
		Code:  r.code,
	})
}
