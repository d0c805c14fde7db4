package main

import (
	"cmp"
	"fmt"
	"io"
	"time"

	"whatsbot/internal/agent"
	"whatsbot/internal/channel"
	"whatsbot/internal/config"
	"whatsbot/internal/domain"
	"whatsbot/internal/media"
	"whatsbot/internal/memory"
	"whatsbot/internal/provider"
	"whatsbot/internal/security"
)

// app holds the wired components shared by serve, initiate and status.
type app struct {
	cfg       *config.Config
	store     *memory.SQLiteStore
	assistant *provider.OpenAI
	workspace *media.Workspace
	processor *agent.Processor

	twilio *channel.Twilio
	meta   *channel.Meta
	waha   *channel.WAHA

	closers []io.Closer
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	aiTimeout := time.Duration(cfg.AI.TimeoutSeconds) * time.Second
	downloadTimeout := time.Duration(cfg.Media.DownloadTimeoutSeconds) * time.Second
	httpClient := provider.SharedHTTPClient(max(aiTimeout, downloadTimeout), cfg.General.MaxConcurrentMessages)

	downloader := media.NewDownloader(media.DownloaderConfig{
		Client:   httpClient,
		MaxBytes: cfg.Media.MaxSizeBytes(),
		Timeout:  downloadTimeout,
		Logger:   logger,
	})

	ws, err := media.NewWorkspace(cfg.Media.TempDir, time.Duration(cfg.Media.MaxAgeHours)*time.Hour, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("media workspace: %w", err)
	}
	a.workspace = ws

	channels := make(map[domain.ProviderTag]domain.Channel)
	p := cfg.Providers
	if p.Twilio.Enabled {
		a.twilio = channel.NewTwilio(channel.TwilioChannelConfig{Config: p.Twilio, Client: httpClient, Downloader: downloader, Logger: logger})
		channels[domain.ProviderTwilio] = a.twilio
	}
	if p.Meta.Enabled {
		a.meta = channel.NewMeta(channel.MetaChannelConfig{Config: p.Meta, Client: httpClient, Downloader: downloader, Logger: logger})
		channels[domain.ProviderMeta] = a.meta
	}
	if p.WAHA.Enabled {
		a.waha = channel.NewWAHA(channel.WAHAChannelConfig{Config: p.WAHA, Client: httpClient, Downloader: downloader, Logger: logger})
		channels[domain.ProviderWAHA] = a.waha
	}

	a.assistant = provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:          cfg.AI.APIKey,
		APIBase:         cfg.AI.APIBase,
		Model:           cfg.AI.Model,
		VisionModel:     cfg.AI.VisionModel,
		WhisperModel:    cfg.AI.WhisperModel,
		MaxTokens:       cfg.AI.MaxTokens,
		VisionMaxTokens: cfg.AI.VisionMaxTokens,
		Temperature:     cfg.AI.Temperature,
		SystemPrompt:    cmp.Or(cfg.AI.SystemPrompt, config.DefaultSystemPrompt),
		Timeout:         aiTimeout,
		HTTPClient:      httpClient,
		Logger:          logger,
	})

	a.processor = agent.NewProcessor(agent.ProcessorConfig{
		Store:           store,
		Assistant:       a.assistant,
		Gate:            security.NewWhitelist(cfg.Security.Whitelist, logger),
		Channels:        channels,
		DefaultProvider: domain.ProviderTag(cfg.General.DefaultProvider),
		Workspace:       ws,
		MaxHistory:      cfg.Memory.MaxHistory,
		MaxDocChars:     cfg.Media.MaxDocumentChars,
		Logger:          logger,
	})
	return a, nil
}

// admission builds the dedup and rate-limit gate from the security section.
func (a *app) admission() *agent.Admission {
	sec := a.cfg.Security
	return agent.NewAdmission(agent.AdmissionConfig{
		Dedup:   agent.NewDedupStore(time.Duration(sec.DedupTTLHours) * time.Hour),
		Limiter: agent.NewRateLimiter(sec.RateLimitMessages, time.Duration(sec.RateLimitWindowSeconds)*time.Second),
		Store:   a.store,
		Policy:  agent.DedupPolicy(sec.DedupPolicy),
		Logger:  logger,
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
}

// Compile-time checks that the adapters satisfy the processor's contracts.
var (
	_ domain.Channel    = (*channel.Twilio)(nil)
	_ domain.Channel    = (*channel.Meta)(nil)
	_ domain.Channel    = (*channel.WAHA)(nil)
	_ domain.ReadMarker = (*channel.Meta)(nil)
	_ domain.Assistant  = (*provider.OpenAI)(nil)
	_ domain.Store      = (*memory.SQLiteStore)(nil)
)
