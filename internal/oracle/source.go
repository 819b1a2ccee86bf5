// Package oracle obtains quarter scores from external sports feeds and
// reduces them to a single verified tuple, or reports that the feeds
// could not agree. Disagreement is a recoverable condition surfaced to
// the settlement engine, never a crash.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FeedScore is one source's answer for one quarter.
type FeedScore struct {
	Home  int  `json:"home"`
	Away  int  `json:"away"`
	Final bool `json:"final"`
}

// SourceClient talks to a single score feed. Feeds expose
// GET {base}/scores/{event}/{quarter} returning a FeedScore.
type SourceClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSourceClient(baseURL string, timeout time.Duration) *SourceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SourceClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *SourceClient) BaseURL() string {
	return c.baseURL
}

func (c *SourceClient) QuarterScore(ctx context.Context, eventKey string, quarter int) (FeedScore, error) {
	var out FeedScore
	path := fmt.Sprintf("%s/scores/%s/%d", c.baseURL, url.PathEscape(eventKey), quarter)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return out, fmt.Errorf("feed status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode feed response: %w", err)
	}
	if out.Home < 0 || out.Home > 255 || out.Away < 0 || out.Away > 255 {
		return out, fmt.Errorf("feed score out of range: %d-%d", out.Home, out.Away)
	}
	return out, nil
}
