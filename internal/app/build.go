package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/assembler"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/credential"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/provider"
	"github.com/ent0n29/parley/internal/tools"
)

// mockAPIKey satisfies the static source when no real provider is used.
const mockAPIKey = "mock-key"

type BuildResult struct {
	Config      config.Config
	Logger      *logrus.Logger
	API         *httpapi.Server
	Dispatcher  *dispatch.Dispatcher
	Store       conversation.Store
	Credentials *credential.Manager
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release the store connection.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	creds := credential.NewManager(credentialSource(cfg), credentialIdentity(cfg), credential.Options{
		RefreshMargin:  cfg.CredentialRefreshMargin,
		GraceWindow:    cfg.CredentialGraceWindow,
		RefreshTimeout: cfg.CredentialRefreshTimeout,
		Logger:         logger.WithField("component", "credential"),
		OnRefresh:      metrics.ObserveCredentialRefresh,
	})
	if err := creds.Prime(ctx); err != nil {
		return nil, fmt.Errorf("credential init failed: %w", err)
	}

	store, err := conversation.NewStore(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	invoker, err := provider.NewInvoker(invokerConfig(cfg))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("model provider init failed: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Deps{
		Store:       store,
		Credentials: creds,
		Invoker:     invoker,
		Tools:       tools.NewRegistry(tools.Defaults()...),
		Metrics:     metrics,
		Logger:      logger.WithField("component", "dispatch"),
		Provider:    cfg.ModelProvider,
	}, dispatch.Config{
		Context: assembler.Options{
			IncludeHistory:      cfg.AddHistoryToContext,
			HistoryLimit:        cfg.HistoryLimit,
			IncludeState:        cfg.AddStateToContext,
			IncludeDatetime:     cfg.AddDatetime,
			StaticInstructions:  cfg.Instructions,
			DynamicInstructions: tools.PreferenceInstructions,
			Location:            time.UTC,
		},
		InvokeTimeout:  cfg.InvokeTimeout,
		PersistTimeout: cfg.PersistTimeout,
		MemoryEnabled:  cfg.MemoryEnabled,
		Summary: dispatch.SummaryPolicy{
			Enabled:      cfg.SummaryEnabled,
			TriggerTurns: cfg.SummaryTriggerTurns,
			KeepTurns:    cfg.SummaryKeepTurns,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	api := httpapi.New(httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Dispatcher:     dispatcher,
		Store:          store,
		Credentials:    creds,
		Metrics:        metrics,
		Logger:         logger.WithField("component", "httpapi"),
	})

	logger.WithFields(logrus.Fields{
		"provider":   cfg.ModelProvider,
		"store_mode": conversation.Mode(store),
		"tools":      strings.Join(dispatcher.Tools(), ","),
	}).Info("runtime ready")

	return &BuildResult{
		Config:      cfg,
		Logger:      logger,
		API:         api,
		Dispatcher:  dispatcher,
		Store:       store,
		Credentials: creds,
		Metrics:     metrics,
		Cleanup:     store.Close,
	}, nil
}

func credentialSource(cfg config.Config) credential.Source {
	if cfg.ModelProvider == "azure" {
		return credential.NewClientCredentialsSource(cfg.CredentialDefaultLifetime)
	}
	return credential.StaticSource{}
}

func credentialIdentity(cfg config.Config) credential.Identity {
	switch cfg.ModelProvider {
	case "azure":
		var scopes []string
		if cfg.AzureScope != "" {
			scopes = strings.Fields(cfg.AzureScope)
		}
		return credential.Identity{
			Provider:     "azure",
			ClientID:     cfg.AzureClientID,
			ClientSecret: cfg.AzureClientSecret,
			TokenURL:     cfg.AzureTokenURL,
			Scopes:       scopes,
		}
	case "mock":
		return credential.Identity{Provider: "mock", APIKey: mockAPIKey}
	default:
		return credential.Identity{Provider: "openai", APIKey: cfg.OpenAIAPIKey}
	}
}

func invokerConfig(cfg config.Config) provider.Config {
	switch cfg.ModelProvider {
	case "azure":
		headers := map[string]string{}
		if cfg.AzureProjectID != "" {
			headers["projectId"] = cfg.AzureProjectID
		}
		return provider.Config{
			Mode:       "azure",
			BaseURL:    cfg.AzureEndpoint,
			Model:      cfg.AzureModelID,
			Deployment: cfg.AzureDeployment,
			APIVersion: cfg.AzureAPIVersion,
			Headers:    headers,
			Timeout:    cfg.InvokeTimeout,
		}
	case "mock":
		return provider.Config{Mode: "mock"}
	default:
		return provider.Config{
			Mode:    "openai",
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModelID,
			Timeout: cfg.InvokeTimeout,
		}
	}
}
