package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/weather"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	return f.token, f.err
}

type fakeActivities struct {
	acts  []strava.Activity
	err   error
	calls int
	after time.Time
	per   int
}

func (f *fakeActivities) Activities(_ context.Context, _ string, after time.Time, perPage int) ([]strava.Activity, error) {
	f.calls++
	f.after, f.per = after, perPage
	return f.acts, f.err
}

type fakeWeather struct {
	cities []string
	err    error
}

func (f *fakeWeather) Lookup(_ context.Context, city string) (*weather.Report, error) {
	f.cities = append(f.cities, city)
	if f.err != nil {
		return nil, f.err
	}
	return &weather.Report{
		Location: weather.Location{Name: city},
		Current:  weather.Current{Temperature: 12.5, ApparentTemperature: 10, WeatherCode: 0},
	}, nil
}

func chatCtx(id string) context.Context {
	return WithChatID(context.Background(), id)
}

func TestCheckStrava_Statuses(t *testing.T) {
	now := time.Unix(1_704_326_400, 0)

	tests := []struct {
		name       string
		tokens     *fakeTokens
		activities *fakeActivities
		want       string
		wantCalls  int
	}{
		{
			name:       "not connected makes no activity call",
			tokens:     &fakeTokens{err: strava.ErrNotConnected},
			activities: &fakeActivities{},
			want:       StravaNotConnected,
		},
		{
			name:       "refresh failed",
			tokens:     &fakeTokens{err: fmt.Errorf("%w: boom", strava.ErrRefreshFailed)},
			activities: &fakeActivities{},
			want:       StravaRefreshFail,
		},
		{
			name:       "unauthorized",
			tokens:     &fakeTokens{token: "t"},
			activities: &fakeActivities{err: strava.ErrUnauthorized},
			want:       StravaUnauthorized,
			wantCalls:  1,
		},
		{
			name:       "no activities",
			tokens:     &fakeTokens{token: "t"},
			activities: &fakeActivities{acts: []strava.Activity{}},
			want:       StravaNoActivities,
			wantCalls:  1,
		},
		{
			name:       "api error object",
			tokens:     &fakeTokens{token: "t"},
			activities: &fakeActivities{err: &strava.APIError{StatusCode: 429, Message: "Rate Limit Exceeded"}},
			want:       "Strava Error: Rate Limit Exceeded",
			wantCalls:  1,
		},
		{
			name:   "summary newest first",
			tokens: &fakeTokens{token: "t"},
			activities: &fakeActivities{acts: []strava.Activity{
				{StartDate: "2024-01-01T10:00:00Z", StartDateLocal: "2024-01-01T10:00:00Z", Type: "Run"},
				{StartDate: "2024-01-03T09:00:00Z", StartDateLocal: "2024-01-03T09:00:00Z", Type: "Ride"},
			}},
			want:      "Recent Activities (Newest First):\nDate: 2024-01-03 09:00, Type: Ride",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(Deps{
				Tokens:     tt.tokens,
				Activities: tt.activities,
				Now:        func() time.Time { return now },
			})
			res := r.Execute(chatCtx("c1"), Invocation{ID: "x", Name: "check_strava", Arguments: "{}"})

			if !strings.HasPrefix(res.Content, tt.want) {
				t.Errorf("Content = %q, want prefix %q", res.Content, tt.want)
			}
			if tt.activities.calls != tt.wantCalls {
				t.Errorf("activity calls = %d, want %d", tt.activities.calls, tt.wantCalls)
			}
			if tt.wantCalls > 0 {
				if !tt.activities.after.Equal(now.Add(-7 * 24 * time.Hour)) {
					t.Errorf("after = %v", tt.activities.after)
				}
				if tt.activities.per != 40 {
					t.Errorf("per_page = %d, want 40", tt.activities.per)
				}
			}
		})
	}
}

func TestCheckStrava_RealTokenManagerNotConnected(t *testing.T) {
	st := store.NewMemory()
	acts := &fakeActivities{}
	r := NewRegistry(Deps{
		Tokens:     strava.NewTokenManager(strava.Config{TokenURL: "http://127.0.0.1:0"}, st),
		Activities: acts,
	})

	res := r.Execute(chatCtx("nobody"), Invocation{ID: "s", Name: "check_strava"})
	if !strings.Contains(res.Content, "NOT CONNECTED") {
		t.Errorf("Content = %q", res.Content)
	}
	if acts.calls != 0 {
		t.Errorf("activity endpoint called %d times", acts.calls)
	}
}

func TestCheckWeather(t *testing.T) {
	w := &fakeWeather{}
	r := NewRegistry(Deps{Weather: w, DefaultCity: "Kyiv"})

	res := r.Execute(chatCtx("c1"), Invocation{ID: "a", Name: "check_weather", Arguments: `{"city_english":"Kyiv"}`})
	if res.ToolCallID != "a" {
		t.Errorf("ToolCallID = %q", res.ToolCallID)
	}
	if res.Content != "Weather in Kyiv: Clear, Temp: 12.5C, Feels: 10C" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestCheckWeather_CityFallback(t *testing.T) {
	tests := []struct {
		name    string
		profile map[string]any
		args    string
		want    string
	}{
		{"explicit city wins", map[string]any{"location": "Lviv"}, `{"city_english":"Odesa"}`, "Odesa"},
		{"profile location", map[string]any{"location": "Lviv", "city": "Dnipro"}, `{}`, "Lviv"},
		{"profile city", map[string]any{"city": "Dnipro"}, `{"city_english":""}`, "Dnipro"},
		{"default city", map[string]any{}, ``, "Kyiv"},
		{"null city uses profile", map[string]any{"location": "Lviv"}, `{"city_english":null}`, "Lviv"},
		{"null city uses default", map[string]any{}, `{"city_english":null}`, "Kyiv"},
		{"non-string location ignored", map[string]any{"location": 42}, `{}`, "Kyiv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			if len(tt.profile) > 0 {
				st.SaveProfile(context.Background(), "c1", tt.profile)
			}
			w := &fakeWeather{}
			r := NewRegistry(Deps{Weather: w, Profiles: st, DefaultCity: "Kyiv"})

			r.Execute(chatCtx("c1"), Invocation{ID: "a", Name: "check_weather", Arguments: tt.args})
			if len(w.cities) != 1 || w.cities[0] != tt.want {
				t.Errorf("looked up %v, want [%s]", w.cities, tt.want)
			}
		})
	}
}

func TestCheckWeather_Errors(t *testing.T) {
	res := NewRegistry(Deps{Weather: &fakeWeather{err: weather.ErrCityNotFound}}).
		Execute(chatCtx("c1"), Invocation{ID: "a", Name: "check_weather", Arguments: `{"city_english":"Atlantis"}`})
	if res.Content != "Error: City 'Atlantis' not found." {
		t.Errorf("Content = %q", res.Content)
	}

	res = NewRegistry(Deps{Weather: &fakeWeather{err: errors.New("timeout")}}).
		Execute(chatCtx("c1"), Invocation{ID: "b", Name: "check_weather", Arguments: `{"city_english":"Kyiv"}`})
	if res.Content != "Weather Error: timeout" {
		t.Errorf("Content = %q", res.Content)
	}

	res = NewRegistry(Deps{Weather: &fakeWeather{}}).
		Execute(chatCtx("c1"), Invocation{ID: "c", Name: "check_weather", Arguments: `{"city_english":7}`})
	var invalid *ErrInvalidArguments
	if !errors.As(res.Err, &invalid) {
		t.Errorf("non-string city should fail validation, got %+v", res)
	}
}

func TestSaveProfileInfo_Accumulates(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry(Deps{Profiles: st})
	ctx := chatCtx("c1")

	res := r.Execute(ctx, Invocation{ID: "1", Name: "save_profile_info", Arguments: `{"info_json":"{\"city\":\"Kyiv\"}"}`})
	if res.Content != ProfileSaved {
		t.Fatalf("Content = %q", res.Content)
	}
	res = r.Execute(ctx, Invocation{ID: "2", Name: "save_profile_info", Arguments: `{"info_json":"{\"age\":30}"}`})
	if res.Content != ProfileSaved {
		t.Fatalf("Content = %q", res.Content)
	}

	p, _ := st.Profile(context.Background(), "c1")
	if p["city"] != "Kyiv" || p["age"] != 30.0 {
		t.Errorf("profile = %v, want city and age", p)
	}
}

func TestSaveProfileInfo_Errors(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"not json", `{"info_json":"city=Kyiv"}`},
		{"json array", `{"info_json":"[1,2]"}`},
		{"json null", `{"info_json":"null"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			res := NewRegistry(Deps{Profiles: st}).Execute(chatCtx("c1"), Invocation{ID: "1", Name: "save_profile_info", Arguments: tt.args})
			if !strings.HasPrefix(res.Content, "Error saving profile: ") {
				t.Errorf("Content = %q", res.Content)
			}
			if p, _ := st.Profile(context.Background(), "c1"); len(p) != 0 {
				t.Errorf("profile written on error: %v", p)
			}
		})
	}
}
