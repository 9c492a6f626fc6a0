// Package app wires the cache, the pipeline and the services to a network
// client.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"msgcache/internal/auth"
	"msgcache/internal/cache"
	"msgcache/internal/contenttype"
	"msgcache/internal/contenttype/attachment"
	"msgcache/internal/contenttype/reaction"
	"msgcache/internal/contenttype/readreceipt"
	"msgcache/internal/contenttype/reply"
	"msgcache/internal/infra/config"
	"msgcache/internal/infra/logger"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/network"
	"msgcache/internal/network/whatsapp"
	"msgcache/internal/pipeline"
	"msgcache/internal/service/send"
	"msgcache/internal/service/sync"
	"msgcache/internal/store"
)

// ErrNotPaired is returned by Run when no WhatsApp session is stored.
var ErrNotPaired = errors.New("device is not paired; run the pair command first")

// App is the main application orchestrator.
type App struct {
	Config        *config.Config
	Log           *logger.Logger
	Registry      *contenttype.Registry
	Store         *store.Store
	Metrics       *metrics.Metrics
	Conversations *cache.ConversationCache
	Messages      *cache.MessageCache
	Consent       *cache.ConsentCache
	Pipeline      *pipeline.Pipeline
	SendService   *send.SendService
	SyncService   *sync.SyncService

	client network.Client
	device *device
}

// NewRegistry returns the content types this application understands.
func NewRegistry() (*contenttype.Registry, error) {
	return contenttype.NewRegistry(
		attachment.Config(),
		reaction.Config(),
		reply.Config(),
		readreceipt.Config(),
	)
}

// New opens the cache and builds the services. No network client is attached
// yet.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.NewWithWriter(os.Stderr, logger.Format(cfg.LogFormat), "msgcache", cfg.LogLevel)
	return NewWithLogger(ctx, cfg, log)
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	log.Debugf("Initializing msgcache...")

	if err := cfg.EnsureStorePath(); err != nil {
		return nil, fmt.Errorf("failed to ensure store path: %w", err)
	}

	reg, err := NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build content types: %w", err)
	}

	s, err := store.Open(ctx, cfg.DBPath(), store.Options{
		Version:    cfg.SchemaVersion,
		Tables:     reg.Schema(),
		LegacyPath: cfg.LegacyDBPath,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	m := metrics.New()
	convs := cache.NewConversationCache(s, m, log)
	msgs := cache.NewMessageCache(s, reg.Codecs(), m, log)
	consent := cache.NewConsentCache(s, log)
	pipe := pipeline.New(reg, s, convs, msgs, m, log)

	return &App{
		Config:        cfg,
		Log:           log,
		Registry:      reg,
		Store:         s,
		Metrics:       m,
		Conversations: convs,
		Messages:      msgs,
		Consent:       consent,
		Pipeline:      pipe,
		SendService:   send.NewSendService(nil, reg, convs, msgs, pipe, m, log),
		SyncService:   sync.NewSyncService(nil, s, convs, msgs, consent, pipe, m, log),
	}, nil
}

// Attach hands client to the services.
func (a *App) Attach(client network.Client) {
	a.client = client
	a.SendService.SetClient(client)
	a.SyncService.SetClient(client)
}

// Client returns the attached network client.
func (a *App) Client() network.Client {
	return a.client
}

// AttachWhatsApp opens the WhatsApp session and attaches its adapter.
func (a *App) AttachWhatsApp(ctx context.Context) (*whatsapp.Client, error) {
	dev, err := openDevice(ctx, a.Config.DevicePath(), a.Log)
	if err != nil {
		return nil, err
	}
	a.device = dev
	wa := whatsapp.New(dev.Client, a.Registry.Codecs(), a.Log)
	dev.Client.AddEventHandler(a.handleEvent)
	a.Attach(wa)
	return wa, nil
}

// Pair links this device to a WhatsApp account. Codes are printed to out and,
// when qrFile is set, saved as PNG.
func (a *App) Pair(ctx context.Context, out io.Writer, qrFile string) error {
	if a.device == nil {
		if _, err := a.AttachWhatsApp(ctx); err != nil {
			return err
		}
	}
	return auth.NewQRHandler(out, qrFile, a.Log).Pair(ctx, a.device.Client)
}

// Run connects to WhatsApp, syncs, starts the configured streams and the
// scheduler, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.device == nil {
		if _, err := a.AttachWhatsApp(ctx); err != nil {
			return err
		}
	}
	if !a.device.IsLoggedIn() {
		return ErrNotPaired
	}

	a.Log.Infof("Connecting...")
	if err := a.device.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if a.Config.MetricsAddr != "" {
		go a.ServeMetrics(ctx, a.Config.MetricsAddr)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.Log.Infof("msgcache is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	a.Stop()
	return nil
}

// Start performs the initial sync and starts streams and the scheduler as
// configured. It needs an attached client.
func (a *App) Start(ctx context.Context) error {
	if a.Config.SyncOnConnect {
		if err := a.SyncService.SyncAll(ctx); err != nil {
			a.Log.Warnf("Initial sync incomplete: %v", err)
		}
	}

	a.SyncService.OnError = func(kind sync.StreamKind, err error) {
		a.Log.Errorf("Stream %s ended: %v", kind, err)
	}
	if a.Config.StreamMessages {
		if _, err := a.SyncService.StreamConversations(ctx); err != nil {
			return err
		}
		if _, err := a.SyncService.StreamAllMessages(ctx); err != nil {
			return err
		}
	}
	if a.Config.StreamConsent {
		if _, err := a.SyncService.StreamConsent(ctx); err != nil {
			return err
		}
	}

	cfg := sync.DefaultSchedulerConfig()
	cfg.SyncInterval = a.Config.SyncInterval
	a.SyncService.StartScheduler(cfg)
	return nil
}

// Stop ends streams and the scheduler.
func (a *App) Stop() {
	a.SyncService.StopScheduler()
	a.SyncService.StopStreams()
}

// ServeMetrics exposes the Prometheus registry on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.Log.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Log.Errorf("Metrics listener failed: %v", err)
	}
}

// handleEvent reacts to connection-level WhatsApp events.
func (a *App) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		a.Log.Infof("Connected to WhatsApp as %s", a.client.Address())
	case *events.PairSuccess:
		a.Log.Infof("Paired successfully as %s", e.ID)
	case *events.LoggedOut:
		a.Log.Warnf("Logged out (reason %v); pair again to continue", e.Reason)
	}
}

// Close stops everything and closes the databases.
func (a *App) Close() error {
	a.Stop()
	var errs []error
	if wa, ok := a.client.(*whatsapp.Client); ok {
		wa.Close()
	}
	if a.device != nil {
		errs = append(errs, a.device.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
