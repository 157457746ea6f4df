// Package service wires the stores, protocol components and background
// workers of one OCPI party.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/auth"
	"github.com/balu-dk/go-ocpi/internal/client"
	"github.com/balu-dk/go-ocpi/internal/commands"
	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/modules"
	"github.com/balu-dk/go-ocpi/internal/notify"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/ocpp"
	"github.com/balu-dk/go-ocpi/internal/store"
	"github.com/balu-dk/go-ocpi/internal/store/memory"
)

// Version is the OCPI version we implement
const Version = "2.2.1"

// sweepInterval is how often expired commands are collected
const sweepInterval = time.Minute

// Party is one OCPI party, EMSP or CPO
type Party struct {
	Config      *config.Config
	Store       store.Store
	Client      *client.Client
	Credentials *credentials.Manager
	Auth        *auth.Authenticator
	Modules     *modules.Registry
	Dispatcher  *commands.Dispatcher
	Receiver    *commands.Receiver
	Notifier    *notify.Notifier
	// Central is the OCPP central system, only set for a CPO
	Central *ocpp.CentralSystem
}

// OpenStore opens the configured storage backend
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StorageDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pg, err := db.NewPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// New wires a party on top of st
func New(cfg *config.Config, st store.Store) (*Party, error) {
	c := client.New(client.Config{
		RateLimit: cfg.OutboundRateLimit,
		RetryMax:  cfg.CallbackRetryMax,
		Timeout:   30 * time.Second,
	})

	notifier := notify.New(cfg.NotificationWebhookURL, c)
	var hooks modules.Hooks
	if notifier.Enabled() {
		hooks.CDRCreated = notifier.CDRCreated
	}
	registry := modules.NewRegistry(cfg.Role, st, modules.Pager{MaxPageSize: cfg.MaxPageSize}, hooks)

	manager := credentials.NewManager(credentials.Self{
		Role:        cfg.Role,
		CountryCode: cfg.CountryCode,
		PartyID:     cfg.PartyID,
		BusinessDetails: ocpi.BusinessDetails{
			Name:    cfg.BusinessName,
			Website: cfg.BusinessWebsite,
		},
		VersionsURL: cfg.VersionsURL(),
	}, st, st, c)

	dispatcher := commands.NewDispatcher(commands.Config{
		Self:        cfg.Party(),
		CallbackURL: cfg.BaseURL() + "/" + Version + "/" + string(ocpi.ModuleCommands),
		AwaitTime:   cfg.CommandAwaitTime,
		Retention:   cfg.CommandResultRetention,
	}, c, manager, st)
	receiver := commands.NewReceiver(nil, c, manager, cfg.CommandAwaitTime)

	p := &Party{
		Config:      cfg,
		Store:       st,
		Client:      c,
		Credentials: manager,
		Auth:        auth.NewAuthenticator(st),
		Modules:     registry,
		Dispatcher:  dispatcher,
		Receiver:    receiver,
		Notifier:    notifier,
	}

	if cfg.Role == ocpi.RoleCPO {
		sessions, err := ocpp.NewSessions(cfg.Party(), cfg.Currency, registry)
		if err != nil {
			return nil, err
		}
		p.Central = ocpp.NewCentralSystem(ocpp.Config{
			Port:              cfg.ServerPort,
			Path:              cfg.OCPPPath,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, nil, st, st, sessions)
		receiver.SetExecutor(p.Central.Executor(receiver))
	}

	return p, nil
}

// Bootstrap seeds the configured registration tokens
func (p *Party) Bootstrap(ctx context.Context) error {
	var result *multierror.Error
	for _, value := range p.Config.BootstrapTokens {
		if _, err := p.Credentials.SeedTokenA(ctx, value); err != nil {
			result = multierror.Append(result, fmt.Errorf("seeding token %s: %w", ocpi.Short(value), err))
		}
	}
	return result.ErrorOrNil()
}

// Run runs the background workers until ctx is done
func (p *Party) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Dispatcher.Run(ctx, sweepInterval)
	})
	if p.Central != nil {
		g.Go(func() error {
			return p.Central.Run(ctx)
		})
	}

	logrus.WithFields(logrus.Fields{
		"role":  p.Config.Role,
		"party": p.Config.Party().String(),
	}).Info("OCPI party running")
	return g.Wait()
}

// Close releases the store
func (p *Party) Close() {
	p.Store.Close()
}

// VersionURL is the URL of our version details
func (p *Party) VersionURL() string {
	return p.Config.BaseURL() + "/" + Version
}

// Versions lists the versions we support
func (p *Party) Versions() []ocpi.VersionInfo {
	return []ocpi.VersionInfo{{Version: Version, URL: p.VersionURL()}}
}

// VersionDetails lists our endpoints
func (p *Party) VersionDetails() *ocpi.VersionDetails {
	return &ocpi.VersionDetails{
		Version:   Version,
		Endpoints: p.Modules.Endpoints(p.VersionURL()),
	}
}

// DispatchCommand issues a command to a CPO we are registered with
func (p *Party) DispatchCommand(ctx context.Context, receiver ocpi.PartyKey, t ocpi.CommandType, req ocpi.CommandRequest) (*ocpi.Command, *ocpi.CommandResponse, error) {
	if p.Config.Role != ocpi.RoleEMSP {
		return nil, nil, fmt.Errorf("%w: only an eMSP issues commands", ocpi.ErrForbidden)
	}
	return p.Dispatcher.Dispatch(ctx, receiver, t, req)
}

// AwaitCommandResult waits up to wait for the result of a command
func (p *Party) AwaitCommandResult(ctx context.Context, id string, wait time.Duration) (*ocpi.CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return p.Dispatcher.AwaitResult(ctx, id)
}

// PutRecord stores one of our own module records
func (p *Party) PutRecord(ctx context.Context, module ocpi.ModuleID, key ocpi.RecordKey, payload json.RawMessage) (json.RawMessage, error) {
	m, err := p.Modules.Module(module)
	if err != nil {
		return nil, err
	}
	return m.CreateOrUpdate(ctx, key, payload)
}

// ChargePoint returns a charge point known over OCPP
func (p *Party) ChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	return p.Store.GetChargePoint(ctx, id)
}

// AssignLocation places a charge point at an OCPI location
func (p *Party) AssignLocation(ctx context.Context, chargePointID, locationID string) (*models.ChargePoint, error) {
	cp, err := p.Store.GetChargePoint(ctx, chargePointID)
	if err != nil {
		return nil, err
	}
	cp.LocationID = locationID
	if err := p.Store.SaveChargePoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
