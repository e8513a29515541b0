package main

import (
	"fmt"
	"llm-keypool/config"
	"llm-keypool/core"
	"llm-keypool/core/adapter"
	"llm-keypool/core/security"
	"net/http"

	"github.com/sirupsen/logrus"
)

// buildCallSites 为每个调用点构建独立的 Orchestrator
// 同一个 Provider 在不同调用点上有各自的 Key 池与黑名单
func buildCallSites(cfg *config.Config, client *http.Client, recorder core.AttemptRecorder, log *logrus.Logger) (map[string]*core.Orchestrator, error) {
	secrets, err := newSecretProvider(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	caller := core.NewBoundedCaller(cfg.Server.MaxWorkers)

	sites := make(map[string]*core.Orchestrator)
	for _, site := range []string{config.CallSiteText, config.CallSiteImage} {
		providers := cfg.ProvidersFor(site)
		if len(providers) == 0 {
			log.Warnf("⚠️ Call site %s has no providers, skipping", site)
			continue
		}

		states := make([]*core.ProviderState, 0, len(providers))
		for _, p := range providers {
			state, err := buildProviderState(cfg, site, p, client, secrets, log)
			if err != nil {
				return nil, err
			}
			states = append(states, state)
		}

		cs := cfg.CallSite(site)
		fc := core.DefaultFailoverConfig(site)
		fc.CallTimeout = cs.Timeout
		fc.KeyFetchTimeout = cfg.Failover.KeyFetchTimeout
		fc.KeyRefreshInterval = cfg.Failover.KeyRefreshInterval
		fc.ProviderFailureThreshold = cfg.Failover.ProviderFailureThreshold
		fc.ForcedRefreshEvery = cfg.Failover.ForcedRefreshEvery
		fc.FloodDelay = cfg.Failover.FloodDelay
		fc.ExhaustedWait = cfg.Failover.ExhaustedWait
		fc.EmptyPoolWait = cfg.Failover.EmptyPoolWait

		orch, err := core.NewOrchestrator(fc, states, log,
			core.WithStrategy(core.StrategyByName(cs.Strategy)),
			core.WithBoundedCaller(caller),
			core.WithAttemptRecorder(recorder),
		)
		if err != nil {
			return nil, fmt.Errorf("call site %s: %w", site, err)
		}
		sites[site] = orch
		log.Infof("✅ Call site %s ready with %d providers", site, len(states))
	}

	if len(sites) == 0 {
		return nil, core.ErrNoProviders
	}
	return sites, nil
}

func buildProviderState(cfg *config.Config, site string, p config.ProviderConfig, client *http.Client, secrets core.SecretProvider, log *logrus.Logger) (*core.ProviderState, error) {
	var keySecrets core.SecretProvider = core.PlainKeys{}
	if p.EncryptedKeys {
		keySecrets = secrets
	}
	source := core.NewHTTPKeySource(p.Name, p.KeyURL, cfg.Failover.KeyFetchTimeout, client, keySecrets, log)

	m := p.Models(site)
	ad, err := adapter.New(p.Kind, adapter.ChatConfig{
		Name:        p.Name,
		Endpoint:    p.Endpoint,
		Models:      m.Models,
		Temperature: m.Temperature,
		TopP:        m.TopP,
		MaxTokens:   m.MaxTokens,
	}, client, log)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}

	registry := core.NewKeyHealthRegistry(site+":"+p.Name,
		core.WithBlacklistTTL(cfg.Registry.BlacklistTTL),
		core.WithCoalesceWindow(cfg.Registry.CoalesceWindow),
		core.WithSweepInterval(cfg.Registry.SweepInterval),
		core.WithFailureThreshold(cfg.Registry.FailureThreshold),
		core.WithRegistryLogger(log),
	)
	return core.NewProviderState(core.NewBackend(p.Name, source, ad), registry), nil
}

func newSecretProvider(cfg config.SecretsConfig) (core.SecretProvider, error) {
	if cfg.KeyEncryptionKey == "" {
		return core.PlainKeys{}, nil
	}
	p, err := security.NewAESSecretProvider(cfg.KeyEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return p, nil
}
