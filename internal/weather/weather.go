// Package weather looks up current conditions from Open-Meteo: a city
// name is geocoded to coordinates, then the forecast endpoint is asked
// for the current temperature, apparent temperature and weather code.
package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/httpkit"
)

// ErrCityNotFound is returned when geocoding yields no match.
var ErrCityNotFound = errors.New("weather: city not found")

// Config configures a [Client].
type Config struct {
	GeocodeURL  string // https://geocoding-api.open-meteo.com/v1/search
	ForecastURL string // https://api.open-meteo.com/v1/forecast
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Client queries the Open-Meteo geocoding and forecast APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a weather client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger:     logger.With("component", "weather"),
	}
}

// Location is a geocoding match.
type Location struct {
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Current is the current-conditions block of a forecast.
type Current struct {
	Temperature         float64 `json:"temperature_2m"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	WeatherCode         int     `json:"weather_code"`
}

// Report is the resolved location with its current conditions.
type Report struct {
	Location Location
	Current  Current
}

// String renders the report the way the model sees it.
func (r Report) String() string {
	return fmt.Sprintf("Weather in %s: %s, Temp: %sC, Feels: %sC",
		r.Location.Name,
		Describe(r.Current.WeatherCode),
		formatTemp(r.Current.Temperature),
		formatTemp(r.Current.ApparentTemperature),
	)
}

func formatTemp(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

var (
	rainCodes = []int{51, 53, 55, 61, 63}
	snowCodes = []int{71, 73, 75}
)

// Describe maps a WMO weather code to Clear, Rain, Snow or Cloudy.
// Codes outside the fixed sets are Cloudy.
func Describe(code int) string {
	switch {
	case code == 0:
		return "Clear"
	case slices.Contains(rainCodes, code):
		return "Rain"
	case slices.Contains(snowCodes, code):
		return "Snow"
	default:
		return "Cloudy"
	}
}

// Geocode returns the first match for city, or [ErrCityNotFound].
func (c *Client) Geocode(ctx context.Context, city string) (*Location, error) {
	q := url.Values{
		"name":     {city},
		"count":    {"1"},
		"language": {"en"},
		"format":   {"json"},
	}
	var out struct {
		Results []Location `json:"results"`
	}
	if err := c.get(ctx, c.cfg.GeocodeURL, q, &out); err != nil {
		return nil, fmt.Errorf("geocode: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, ErrCityNotFound
	}
	return &out.Results[0], nil
}

// Forecast returns current conditions at loc.
func (c *Client) Forecast(ctx context.Context, loc Location) (*Current, error) {
	q := url.Values{
		"latitude":  {strconv.FormatFloat(loc.Latitude, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(loc.Longitude, 'f', -1, 64)},
		"current":   {"temperature_2m,weather_code,apparent_temperature"},
	}
	var out struct {
		Current *Current `json:"current"`
	}
	if err := c.get(ctx, c.cfg.ForecastURL, q, &out); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}
	if out.Current == nil {
		return nil, errors.New("forecast: response has no current block")
	}
	return out.Current, nil
}

// Lookup geocodes city and fetches its current conditions.
func (c *Client) Lookup(ctx context.Context, city string) (*Report, error) {
	c.logger.Info("checking weather", "city", city)

	loc, err := c.Geocode(ctx, city)
	if err != nil {
		return nil, err
	}
	cur, err := c.Forecast(ctx, *loc)
	if err != nil {
		return nil, err
	}
	return &Report{Location: *loc, Current: *cur}, nil
}

func (c *Client) get(ctx context.Context, base string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return httpkit.DecodeJSON(resp, out)
}
