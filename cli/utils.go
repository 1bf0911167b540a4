package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lxc/incus/v6/shared/api"
	"golang.org/x/sys/unix"
)

const dateLayoutSecond = "2006/01/02 15:04:05 MST"

const apiPrefix = "/1.0/update"

func doQuery(do func(req *http.Request) (*http.Response, error), method string, path string, inData any, etag string) (*api.Response, string, error) {
	var (
		req *http.Request
		err error
	)

	ctx := context.Background()

	// Get a new HTTP request setup
	if inData != nil {
		switch data := inData.(type) {
		case io.Reader:
			// Some data to be sent along with the request
			req, err = http.NewRequestWithContext(ctx, method, path, io.NopCloser(data))
			if err != nil {
				return nil, "", err
			}

			req.Header.Set("Content-Type", "application/json")
		case string:
			// Use a reader since the request body needs to be seekable
			req, err = http.NewRequestWithContext(ctx, method, path, strings.NewReader(data))
			if err != nil {
				return nil, "", err
			}

			req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(data)), nil }

			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Content-Length", strconv.Itoa(len(data)))
		default:
			// Encode the provided data
			buf := bytes.Buffer{}

			err := json.NewEncoder(&buf).Encode(data)
			if err != nil {
				return nil, "", err
			}

			req, err = http.NewRequestWithContext(ctx, method, path, bytes.NewReader(buf.Bytes()))
			if err != nil {
				return nil, "", err
			}

			req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf.Bytes())), nil }

			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		// No data to be sent along with the request
		req, err = http.NewRequestWithContext(ctx, method, path, nil)
		if err != nil {
			return nil, "", err
		}
	}

	// Set the ETag
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	// Send the request
	resp, err := do(req)
	if err != nil {
		return nil, "", err
	}

	defer func() { _ = resp.Body.Close() }()

	// Decode the response
	decoder := json.NewDecoder(resp.Body)
	response := api.Response{}

	err = decoder.Decode(&response)
	if err != nil {
		// Check the return value for a cleaner error
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, "", fmt.Errorf("failed to fetch %s: %s", resp.Request.URL.String(), resp.Status)
		}

		return nil, "", err
	}

	// Handle errors
	if response.Type == api.ErrorResponse {
		return &response, "", api.StatusErrorf(resp.StatusCode, "%v", response.Error)
	}

	return &response, resp.Header.Get("ETag"), nil
}

func getStdinFd() int {
	return unix.Stdin
}
