package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/agent"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/config"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/llm"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/store"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/strava"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/tools"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/weather"
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	store    *store.SQLStore
	tokens   *strava.TokenManager
	registry *tools.Registry
	loop     *agent.Loop
}

// newApp opens the store and wires the agent. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*app, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver)

	tokens := strava.NewTokenManager(strava.Config{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		RedirectURI:  cfg.Strava.RedirectURI,
		AuthURL:      cfg.Strava.AuthURL,
		TokenURL:     cfg.Strava.TokenURL,
		Timeout:      cfg.Strava.Timeout(),
		Logger:       logger,
	}, st)
	if !tokens.Configured() {
		logger.Warn("strava client credentials not set, check_strava will report NOT CONNECTED")
	}

	registry := tools.NewRegistry(tools.Deps{
		Tokens:     tokens,
		Activities: strava.NewClient(cfg.Strava.APIURL, cfg.Strava.Timeout(), logger),
		Weather: weather.New(weather.Config{
			GeocodeURL:  cfg.Weather.GeocodeURL,
			ForecastURL: cfg.Weather.ForecastURL,
			Timeout:     cfg.Weather.Timeout(),
			Logger:      logger,
		}),
		Profiles:    st,
		DefaultCity: cfg.Weather.DefaultCity,
		Logger:      logger,
	})

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Referer: cfg.LLM.Referer,
		Title:   cfg.LLM.Title,
		Timeout: cfg.LLM.Timeout(),
		Logger:  logger,
	})

	loop := agent.NewLoop(agent.Config{
		LLM:          client,
		Model:        cfg.LLM.Model,
		Store:        st,
		Tools:        registry,
		Status:       tokens,
		Bus:          bus,
		Logger:       logger,
		HistoryLimit: cfg.Agent.HistoryLimit,
		Serialize:    cfg.Agent.Serialize(),
		CycleTimeout: cfg.Agent.CycleTimeout(),
	})

	return &app{store: st, tokens: tokens, registry: registry, loop: loop}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
