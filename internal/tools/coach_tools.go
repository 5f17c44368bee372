package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/weather"
)

// Status texts returned to the model by check_strava.
const (
	StravaNotConnected = "STATUS: NOT CONNECTED. Tell the user to run /connect_strava"
	StravaRefreshFail  = "ERROR: Token expired and refresh failed. Please reconnect Strava."
	StravaUnauthorized = "ERROR: Strava Unauthorized. Try /connect_strava again."
	StravaNoActivities = "Strava: No activities found in the last 7 days."

	ProfileSaved = "Profile information saved successfully."
)

// TokenSource yields a usable Strava access token for a chat.
type TokenSource interface {
	AccessToken(ctx context.Context, chatID string) (string, error)
}

// ActivitySource lists Strava activities.
type ActivitySource interface {
	Activities(ctx context.Context, accessToken string, after time.Time, perPage int) ([]strava.Activity, error)
}

// WeatherSource resolves a city to current conditions.
type WeatherSource interface {
	Lookup(ctx context.Context, city string) (*weather.Report, error)
}

// ProfileStore reads and merges profile facts.
type ProfileStore interface {
	Profile(ctx context.Context, chatID string) (map[string]any, error)
	SaveProfile(ctx context.Context, chatID string, partial map[string]any) error
}

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Tokens      TokenSource
	Activities  ActivitySource
	Weather     WeatherSource
	Profiles    ProfileStore
	DefaultCity string // last-resort city for check_weather
	Logger      *slog.Logger

	// Now overrides the clock for the activity window, for tests.
	Now func() time.Time
}

// NewRegistry creates a registry with check_strava, check_weather and
// save_profile_info registered, in that order.
func NewRegistry(deps Deps) *Registry {
	r := newRegistry(deps.Logger)
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &coachTools{deps: deps, logger: r.logger}

	for _, t := range []*Tool{
		{
			Name:        CheckStrava,
			Description: "Get recent activities from Strava.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: c.checkStrava,
		},
		{
			Name:        CheckWeather,
			Description: "Check the weather.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city_english": map[string]any{
						"type":        "string",
						"description": "City name in English",
					},
				},
				"required": []string{"city_english"},
			},
			Defaults: c.weatherDefaults,
			Handler:  c.checkWeather,
		},
		{
			Name:        SaveProfileInfo,
			Description: "Save facts about the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"info_json": map[string]any{
						"type":        "string",
						"description": "JSON string with data.",
					},
				},
				"required": []string{"info_json"},
			},
			Handler: c.saveProfileInfo,
		},
	} {
		// The built-in schemas are static; a compile failure is a bug.
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

type coachTools struct {
	deps   Deps
	logger *slog.Logger
}

func (c *coachTools) checkStrava(ctx context.Context, _ map[string]any) (string, error) {
	chatID := ChatIDFromContext(ctx)
	c.logger.Info("checking strava", "chat_id", chatID)

	if c.deps.Tokens == nil {
		return StravaNotConnected, nil
	}
	token, err := c.deps.Tokens.AccessToken(ctx, chatID)
	switch {
	case errors.Is(err, strava.ErrNotConnected):
		return StravaNotConnected, nil
	case errors.Is(err, strava.ErrRefreshFailed):
		return StravaRefreshFail, nil
	case err != nil:
		return "Strava Error: " + err.Error(), nil
	}

	after := c.deps.Now().Add(-strava.Lookback)
	acts, err := c.deps.Activities.Activities(ctx, token, after, strava.PageSize)
	if err != nil {
		if errors.Is(err, strava.ErrUnauthorized) {
			return StravaUnauthorized, nil
		}
		return "Strava Error: " + err.Error(), nil
	}
	if len(acts) == 0 {
		return StravaNoActivities, nil
	}
	return strava.Summarize(acts), nil
}

// weatherDefaults resolves a missing, null or empty city from the
// profile's location, then its city, then the configured default.
func (c *coachTools) weatherDefaults(ctx context.Context, args map[string]any) map[string]any {
	if v, present := args["city_english"]; present && v != nil {
		// Non-string values are left for schema validation to reject.
		if s, ok := v.(string); !ok || s != "" {
			return args
		}
	}

	city := c.deps.DefaultCity
	if c.deps.Profiles != nil {
		profile, err := c.deps.Profiles.Profile(ctx, ChatIDFromContext(ctx))
		if err != nil {
			c.logger.Warn("profile read failed", "error", err)
		}
		for _, key := range []string{"location", "city"} {
			if v, ok := profile[key].(string); ok && v != "" {
				city = v
				break
			}
		}
	}
	args["city_english"] = city
	return args
}

func (c *coachTools) checkWeather(ctx context.Context, args map[string]any) (string, error) {
	city, _ := args["city_english"].(string)
	if c.deps.Weather == nil {
		return "", errors.New("weather lookup is not configured")
	}

	report, err := c.deps.Weather.Lookup(ctx, city)
	if errors.Is(err, weather.ErrCityNotFound) {
		return fmt.Sprintf("Error: City '%s' not found.", city), nil
	}
	if err != nil {
		return "Weather Error: " + err.Error(), nil
	}
	return report.String(), nil
}

func (c *coachTools) saveProfileInfo(ctx context.Context, args map[string]any) (string, error) {
	chatID := ChatIDFromContext(ctx)
	raw, _ := args["info_json"].(string)
	c.logger.Info("saving profile", "chat_id", chatID, "info_json", raw)

	var facts map[string]any
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return "Error saving profile: " + err.Error(), nil
	}
	if facts == nil {
		return "Error saving profile: info_json must be a JSON object", nil
	}
	if err := c.deps.Profiles.SaveProfile(ctx, chatID, facts); err != nil {
		return "Error saving profile: " + err.Error(), nil
	}
	return ProfileSaved, nil
}
