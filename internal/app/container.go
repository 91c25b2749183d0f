package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/acme/failover-dialer/internal/config"
	"github.com/acme/failover-dialer/internal/dialchain"
	"github.com/acme/failover-dialer/internal/dispatcher"
	"github.com/acme/failover-dialer/internal/infra/db"
	"github.com/acme/failover-dialer/internal/infra/redis"
	"github.com/acme/failover-dialer/internal/queue"
	"github.com/acme/failover-dialer/internal/repository"
	filerepo "github.com/acme/failover-dialer/internal/repository/file"
	pgrepo "github.com/acme/failover-dialer/internal/repository/postgres"
	"github.com/acme/failover-dialer/internal/repository/redisstore"
	scyllarepo "github.com/acme/failover-dialer/internal/repository/scylla"
	"github.com/acme/failover-dialer/internal/telephony"
	"github.com/acme/failover-dialer/internal/telephony/freeswitch"
	telephonyMock "github.com/acme/failover-dialer/internal/telephony/mock"
	"github.com/acme/failover-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Only the
// infrastructure the configuration selects is connected.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once       sync.Once
		sources    *Sources
		outputs    *outputs
		originator telephony.Originator
		dispatcher *dispatcher.Dispatcher
		lease      *redisstore.Lease
		control    *queue.ControlConsumer
	}
}

// Sources are the campaign inputs the dispatcher polls.
type Sources struct {
	Destinations repository.DestinationSource
	Appender     repository.DestinationAppender
	Identities   repository.IdentitySource
	Ledger       repository.Ledger
	Pause        repository.PauseControl
}

type outputs struct {
	History   *scyllarepo.SubmissionStore
	Publisher *queue.SubmissionPublisher
}

// Build loads configuration and connects the selected infrastructure.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config

	if cfg.UsesPostgres() {
		pg, err := db.NewPostgres(ctx, cfg.Postgres, cfg.App.Name)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if err := pgrepo.EnsureSchema(ctx, pg.DB()); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if err := scyllarepo.NewSubmissionStore(scylla.Session()).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.UsesRedis() {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = redisClient
	}

	if cfg.Kafka.Enabled {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}

	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		campaign := cfg.Campaign

		src := &Sources{}
		switch campaign.Destinations.Backend {
		case config.BackendPostgres:
			pgDest := pgrepo.NewDestinationSource(c.Postgres.DB(), campaign.Name)
			src.Destinations, src.Appender = pgDest, pgDest
		default:
			fileDest := filerepo.NewDestinationSource(campaign.Destinations.Path)
			src.Destinations, src.Appender = fileDest, fileDest
		}

		switch campaign.Identities.Backend {
		case config.BackendRedis:
			src.Identities = redisstore.NewIdentitySource(c.Redis.Inner(), campaign.Identities.Key)
		default:
			src.Identities = filerepo.NewIdentitySource(campaign.Identities.Path)
		}

		switch campaign.Ledger.Backend {
		case config.BackendPostgres:
			src.Ledger = pgrepo.NewLedger(c.Postgres.DB(), campaign.Name)
		default:
			src.Ledger = filerepo.NewLedger(campaign.Ledger.Path)
		}

		switch campaign.Pause.Backend {
		case config.BackendRedis:
			src.Pause = redisstore.NewPauseGate(c.Redis.Inner(), campaign.Pause.Key, c.Logger)
		default:
			src.Pause = filerepo.NewPauseGate(campaign.Pause.Path)
		}

		out := &outputs{}
		if c.Scylla != nil {
			out.History = scyllarepo.NewSubmissionStore(c.Scylla.Session())
		}
		if c.Kafka != nil && cfg.Kafka.SubmissionTopic != "" {
			out.Publisher = queue.NewSubmissionPublisher(c.Kafka, cfg.Kafka.SubmissionTopic)
		}

		var originator telephony.Originator
		switch cfg.Switch.Driver {
		case config.DriverMock:
			originator = telephonyMock.NewProvider(c.Logger)
		default:
			originator = freeswitch.NewOriginator(cfg.Switch, c.Logger)
		}

		opts := make([]dispatcher.Option, 0, 2)
		if out.History != nil {
			opts = append(opts, dispatcher.WithObservers(dispatcher.ObserverFunc(out.History.AppendSubmission)))
		}
		if out.Publisher != nil {
			opts = append(opts, dispatcher.WithObservers(dispatcher.ObserverFunc(out.Publisher.PublishSubmission)))
		}

		disp := dispatcher.New(dispatcher.Deps{
			Destinations: src.Destinations,
			Identities:   src.Identities,
			Ledger:       src.Ledger,
			Pause:        src.Pause,
			Builder:      dialchain.NewBuilder(cfg.Chain),
			Originator:   originator,
			Logger:       c.Logger,
		}, dispatcher.SettingsFromConfig(cfg), opts...)

		if campaign.Lease.Enabled {
			c.components.lease = redisstore.NewLease(c.Redis.Inner(), campaign.Lease.Key+":"+campaign.Name, campaign.Lease.TTL, c.Logger)
		}
		if c.Kafka != nil && cfg.Kafka.ControlTopic != "" {
			c.components.control = queue.NewControlConsumer(c.Kafka, src.Pause, campaign.Name, c.Logger)
		}

		c.components.sources = src
		c.components.outputs = out
		c.components.originator = originator
		c.components.dispatcher = disp
	})
}

// Sources exposes the configured campaign inputs.
func (c *Container) Sources() *Sources {
	c.initComponents()
	return c.components.sources
}

// Dispatcher exposes the campaign loop.
func (c *Container) Dispatcher() *dispatcher.Dispatcher {
	c.initComponents()
	return c.components.dispatcher
}

// History exposes the submission audit store, or nil when scylla is disabled.
func (c *Container) History() *scyllarepo.SubmissionStore {
	c.initComponents()
	return c.components.outputs.History
}

// Lease exposes the campaign lease, or nil when it is disabled.
func (c *Container) Lease() *redisstore.Lease {
	c.initComponents()
	return c.components.lease
}

// ControlConsumer exposes the control topic consumer, or nil when unused.
func (c *Container) ControlConsumer() *queue.ControlConsumer {
	c.initComponents()
	return c.components.control
}

// HealthChecks returns a ping per connected backend.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if c.Postgres != nil {
		checks["postgres"] = func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) }
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() }
	}
	if c.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Config.Kafka.Partitions, c.Config.Kafka.ReplicationFactor)
}

// Close releases all held resources.
func (c *Container) Close() error {
	var errs []error
	closeWith := func(name string, cl io.Closer) {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", name, err))
		}
	}

	if c.components.control != nil {
		closeWith("control consumer", c.components.control)
	}
	if out := c.components.outputs; out != nil && out.Publisher != nil {
		closeWith("submission publisher", out.Publisher)
	}
	if cl, ok := c.components.originator.(io.Closer); ok {
		closeWith("originator", cl)
	}
	if c.Redis != nil {
		closeWith("redis", c.Redis)
	}
	if c.Scylla != nil {
		closeWith("scylla", c.Scylla)
	}
	if c.Postgres != nil {
		closeWith("postgres", c.Postgres)
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
