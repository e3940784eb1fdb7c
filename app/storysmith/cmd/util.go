package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-github/v72/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cchalm/storysmith/internal/ai"
	"github.com/cchalm/storysmith/internal/audio"
	"github.com/cchalm/storysmith/internal/backend"
	"github.com/cchalm/storysmith/internal/config"
	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
	"github.com/cchalm/storysmith/internal/telemetry"
	"github.com/cchalm/storysmith/internal/tickets"
	"github.com/cchalm/storysmith/internal/transport"
)

// backendTimeout bounds a single backend call. Analysis of a long request can take minutes
const backendTimeout = 5 * time.Minute

func setupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup graceful shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		zap.S().Info("Interrupt signal detected, shutting down gracefully...")
		cancel()
		<-interrupt
		zap.S().Fatal("Forcing shutdown")
	}()

	return ctx
}

func createHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: transport.WithRateLimiting(nil).WithRequestsPerSecond(cfg.RequestsPerSecond),
		Timeout:   timeout,
	}
}

func createGithubClient(ctx context.Context, token string) *github.Client {
	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, createHTTPClient(0))
	httpClient := oauth2.NewClient(ctx, tokenSource)
	return github.NewClient(httpClient)
}

func createAnthropicClient(apiKey string) anthropic.Client {
	return anthropic.NewClient(
		option.WithHTTPClient(createHTTPClient(0)),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(5),
	)
}

func createTelemetryProvider(ctx context.Context) (*telemetry.Provider, error) {
	telemetryConfig := telemetry.TelemetryConfig{
		Enabled:      cfg.TelemetryEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}
	return telemetry.NewProvider(ctx, telemetryConfig)
}

// services are the collaborators selected by the configuration
type services struct {
	analyst     conversation.Analyst
	approver    conversation.Approver
	replanner   sprint.Replanner
	generator   sprint.Generator
	publisher   sprint.Publisher
	transcriber audio.Transcriber // nil when no backend URL is configured
}

func createServices(ctx context.Context) (services, error) {
	var svc services

	var backendClient *backend.Client
	if cfg.BackendURL != "" {
		backendClient = backend.NewClient(cfg.BackendURL, createHTTPClient(backendTimeout))
		svc.transcriber = backendClient
	}

	switch cfg.Analyst {
	case config.AnalystAnthropic:
		sender := ai.NewStreamingMessageSender(createAnthropicClient(cfg.AnthropicAPIKey))
		analyst := ai.NewAnalyst(sender, anthropic.Model(cfg.AnthropicModel), cfg.MaxOutputTokens)
		svc.analyst = analyst
		svc.replanner = analyst
		svc.generator = analyst
	default:
		svc.analyst = backendClient
		svc.replanner = backendClient
		svc.generator = backendClient
	}

	switch cfg.Publisher {
	case config.PublisherGitHub:
		githubClient := createGithubClient(ctx, cfg.GitHubToken)
		publisher, err := tickets.NewGitHubPublisher(tickets.NewIssueService(githubClient), cfg.TicketsRepo, cfg.TicketLabels)
		if err != nil {
			return services{}, err
		}
		publisher = publisher.WithConcurrency(cfg.TicketConcurrency)
		svc.approver = requirements.NewGate(publisher)
		svc.publisher = publisher
	default:
		svc.approver = backendClient
		svc.publisher = backendClient
	}

	zap.S().Debugf("Using the %s analyst and the %s publisher", cfg.Analyst, cfg.Publisher)
	return svc, nil
}

// openReconciler loads the saved sprints. The returned function releases the store
func openReconciler(ctx context.Context, svc services) (*sprint.Reconciler, func(), error) {
	store, err := sprint.OpenStore(cfg.SprintStore)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sprint store: %w", err)
	}
	closeStore := func() {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				zap.S().Warnf("Failed to close sprint store: %v", err)
			}
		}
	}

	reconciler, err := sprint.NewReconciler(ctx, store, svc.replanner, svc.publisher)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return reconciler.WithGenerator(svc.generator), closeStore, nil
}
