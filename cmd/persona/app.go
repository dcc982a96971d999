package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"persona/internal/config"
	"persona/internal/dedup"
	"persona/internal/embedding"
	"persona/internal/generation"
	"persona/internal/history"
	"persona/internal/social"
)

// app wires the long-lived components every command needs: config,
// character definitions, the SQLite store, the embedding engine, the
// similarity filter and the content generator.
type app struct {
	cfg *config.Config

	mu         sync.RWMutex
	characters []*config.Character

	store  *history.Store
	engine embedding.EmbeddingEngine
	filter *dedup.Filter
	gen    *generation.Generator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	characters, err := config.LoadCharacters(cfg.CharactersDir)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	store, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	filter, err := dedup.New(store.DB(), engine, dedup.Options{
		Threshold:  cfg.Dedup.Threshold,
		SampleSize: cfg.Dedup.SampleSize,
		Scope:      dedup.Scope(cfg.Dedup.Scope),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	client := generation.NewHTTPClient(generation.ClientConfig{
		APIKey:  cfg.Generation.APIKey,
		BaseURL: cfg.Generation.BaseURL,
		Timeout: cfg.GenerationTimeout(),
	})

	return &app{
		cfg:        cfg,
		characters: characters,
		store:      store,
		engine:     engine,
		filter:     filter,
		gen:        generation.New(client),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

// character resolves the --character flag, defaulting to the only
// loaded character when the directory holds exactly one.
func (a *app) character(username string) (*config.Character, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if username == "" {
		if len(a.characters) == 1 {
			return a.characters[0], nil
		}
		return nil, fmt.Errorf("multiple characters loaded, pick one with --character")
	}
	return config.FindCharacter(a.characters, username)
}

func (a *app) allCharacters() []*config.Character {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.characters
}

func (a *app) setCharacters(characters []*config.Character) {
	a.mu.Lock()
	a.characters = characters
	a.mu.Unlock()
}

// orchestrator builds the timeline action pipeline for one character.
func (a *app) orchestrator(ch *config.Character) *social.Orchestrator {
	client := social.NewAPIClient(social.APIClientConfig{
		BaseURL:  a.cfg.Platform.BaseURL,
		Token:    a.cfg.Platform.Token,
		Platform: a.cfg.Platform.Name,
		Username: ch.Username,
	})
	return social.NewOrchestrator(ch, client, a.store, a.filter, a.gen)
}

func (a *app) provider(ch *config.Character) *social.Provider {
	return social.NewProvider(a.orchestrator(ch), a.cfg.SnapshotsDir)
}
