package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/httpkit"
)

// Activity window and page size for the summary.
const (
	Lookback      = 7 * 24 * time.Hour
	PageSize      = 40
	SummaryLimit  = 10
	summaryHeader = "Recent Activities (Newest First):"
)

// Activity is the subset of a Strava SummaryActivity used here.
type Activity struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	StartDate        string   `json:"start_date"`       // UTC, RFC 3339
	StartDateLocal   string   `json:"start_date_local"` // athlete-local, RFC 3339 with Z
	Distance         float64  `json:"distance"`         // meters
	MovingTime       int      `json:"moving_time"`      // seconds
	AverageHeartrate *float64 `json:"average_heartrate,omitempty"`
}

// APIError is an error object returned by the Strava API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client reads the Strava REST API.
type Client struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Strava API client. apiURL is the v3 base, e.g.
// https://www.strava.com/api/v3.
func NewClient(apiURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger.With("component", "strava_api"),
	}
}

// Activities lists the athlete's activities started after the given
// time, one page of perPage records in provider order.
func (c *Client) Activities(ctx context.Context, accessToken string, after time.Time, perPage int) ([]Activity, error) {
	q := url.Values{
		"after":    {strconv.FormatInt(after.Unix(), 10)},
		"per_page": {strconv.Itoa(perPage)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, ErrUnauthorized
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	httpkit.DrainAndClose(resp.Body, 4096)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	trimmed := bytes.TrimSpace(data)

	// Error payloads are objects with a message field; success is an array.
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &e); err == nil && e.Message != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: e.Message}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpkit.StatusError{StatusCode: resp.StatusCode, Body: string(trimmed)}
	}

	var acts []Activity
	if err := json.Unmarshal(trimmed, &acts); err != nil {
		return nil, fmt.Errorf("decode activities: %w", err)
	}
	c.logger.Debug("activities fetched", "count", len(acts))
	return acts, nil
}

// Summarize renders activities newest first, at most [SummaryLimit]
// lines. Ordering is by start_date descending; activities with equal
// start dates keep their provider order. The input is not modified.
func Summarize(acts []Activity) string {
	sorted := slices.Clone(acts)
	slices.SortStableFunc(sorted, func(a, b Activity) int {
		return strings.Compare(b.StartDate, a.StartDate)
	})
	if len(sorted) > SummaryLimit {
		sorted = sorted[:SummaryLimit]
	}

	lines := make([]string, 0, len(sorted)+1)
	lines = append(lines, summaryHeader)
	for _, a := range sorted {
		lines = append(lines, formatActivity(a))
	}
	return strings.Join(lines, "\n")
}

func formatActivity(a Activity) string {
	typ := a.Type
	if typ == "" {
		typ = "Activity"
	}

	date := a.StartDateLocal
	if len(date) > 16 {
		date = date[:16]
	}
	date = strings.Replace(date, "T", " ", 1)

	hr := "N/A"
	if a.AverageHeartrate != nil {
		hr = strconv.FormatFloat(*a.AverageHeartrate, 'f', -1, 64)
	}

	dur := FormatDuration(a.MovingTime)
	stats := "Duration: " + dur
	if a.Distance > 0 {
		stats = fmt.Sprintf("%.2fkm in %s", a.Distance/1000, dur)
	}

	return fmt.Sprintf("Date: %s, Type: %s, %s, HR: %s", date, typ, stats, hr)
}

// FormatDuration renders seconds as "Hh Mm" from one hour up and as
// "Mm" below. Seconds are dropped.
func FormatDuration(seconds int) string {
	m := seconds / 60
	h := m / 60
	m %= 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
