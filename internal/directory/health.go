// ABOUTME: Default HTTP health checker: probes an agent's /identity endpoint.
// ABOUTME: Distinguishes wrong answers from no answer for status reporting.

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPHealthChecker probes GET /identity on each endpoint. A 200 whose body
// carries the expected agent id is healthy; any other 2xx-or-parse mismatch
// is unhealthy; everything else is a failed probe.
func HTTPHealthChecker(client *http.Client) HealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, ep AgentEndpoint) (bool, error) {
		url := fmt.Sprintf("http://%s/identity", ep.HostPort())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return false, nil
		}

		var identity struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
			return false, nil
		}
		// An answering process with a different id means the address was
		// reused by someone else.
		return identity.ID == ep.ID, nil
	}
}
