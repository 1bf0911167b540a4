package checker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// requestAttempts is how many times a request is tried on transport errors.
const requestAttempts = 5

// tryRequest attempts the request multiple times, one second apart.
func tryRequest(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	var err error

	for i := range requestAttempts {
		var resp *http.Response

		resp, err = client.Do(req)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if i == requestAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return nil, fmt.Errorf("http request failed after %d attempts: %w", requestAttempts, err)
}
