// Package container provides dependency injection for the runtime's services
package container

import (
	"context"
	"fmt"

	"github.com/opencom/opencom-go/internal/application/services"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/persistence/credentials"
	"github.com/opencom/opencom-go/internal/infrastructure/scheduling"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
)

// Options carries the external dependencies and identifiers the container
// is wired with.
type Options struct {
	BackendURL    string
	WorkspaceID   string
	InstallSecret string

	// Backend overrides the HTTP backend, used by tests and hosts with
	// custom transports. Nil selects the HTTP implementation.
	Backend transport.Backend
	// KV overrides the credential persistence backend. Nil selects the
	// SQL store at Options.CredentialDSN.
	KV            credentials.KV
	CredentialDSN string

	Scheduler   scheduling.Scheduler
	Clock       scheduling.Clock
	TokenSource services.TokenSource
	Logger      *logging.ChanneledLogger
}

// Container holds the wired runtime services and infrastructure.
type Container struct {
	Logger    *logging.ChanneledLogger
	Bus       *messaging.Bus
	Scheduler scheduling.Scheduler
	Clock     scheduling.Clock
	Backend   transport.Backend
	Store     *credentials.Store

	Sessions  *services.SessionService
	Delivery  *services.DeliveryService
	Push      *services.PushService
	Lifecycle *services.LifecycleService

	closers []func() error
}

// NewContainer creates and wires all runtime services.
func NewContainer(opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewChanneledLogger(nil)
		if err != nil {
			return nil, fmt.Errorf("logger init: %w", err)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = scheduling.SystemClock{}
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = scheduling.NewTimerScheduler()
	}

	var closers []func() error
	kv := opts.KV
	if kv == nil {
		sqlStore, err := credentials.OpenSQLStore(opts.CredentialDSN)
		if err != nil {
			return nil, fmt.Errorf("credential store init: %w", err)
		}
		closers = append(closers, sqlStore.Close)
		kv = sqlStore
	}

	installSecret := opts.InstallSecret
	if installSecret == "" {
		var err error
		installSecret, err = credentials.LoadOrCreateInstallSecret(context.Background(), kv)
		if err != nil {
			return nil, fmt.Errorf("install secret init: %w", err)
		}
	}

	store, err := credentials.NewStore(kv, opts.BackendURL, installSecret, logger)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend = transport.NewHTTPBackend(opts.BackendURL, logger)
	}

	bus := messaging.NewBus(logger)
	sessions := services.NewSessionService(backend, store, scheduler, clock, opts.WorkspaceID, logger)
	delivery := services.NewDeliveryService(bus, store, scheduler, logger)
	pushSvc := services.NewPushService(backend, sessions, opts.TokenSource, bus, opts.WorkspaceID, logger)
	lifecycle := services.NewLifecycleService(bus, sessions, backend, opts.WorkspaceID, logger)

	return &Container{
		Logger:    logger,
		Bus:       bus,
		Scheduler: scheduler,
		Clock:     clock,
		Backend:   backend,
		Store:     store,
		Sessions:  sessions,
		Delivery:  delivery,
		Push:      pushSvc,
		Lifecycle: lifecycle,
		closers:   closers,
	}, nil
}

// Close releases infrastructure owned by the container.
func (c *Container) Close() error {
	var firstErr error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
