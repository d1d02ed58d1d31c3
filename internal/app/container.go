package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/acme/whatsapp-dispatch/internal/config"
	"github.com/acme/whatsapp-dispatch/internal/dispatch"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	gatewaymock "github.com/acme/whatsapp-dispatch/internal/gateway/mock"
	"github.com/acme/whatsapp-dispatch/internal/infra/db"
	"github.com/acme/whatsapp-dispatch/internal/infra/redis"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	pgrepo "github.com/acme/whatsapp-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/whatsapp-dispatch/internal/repository/scylla"
	campaignsvc "github.com/acme/whatsapp-dispatch/internal/service/campaign"
	"github.com/acme/whatsapp-dispatch/internal/service/concurrency"
	messagesvc "github.com/acme/whatsapp-dispatch/internal/service/message"
	"github.com/acme/whatsapp-dispatch/internal/service/reconcile"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
	"github.com/acme/whatsapp-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	// Kafka is set when the job driver is kafka or a status topic is configured.
	Kafka *queue.Kafka
	// RabbitMQ is set only with the rabbitmq job driver.
	RabbitMQ *queue.RabbitMQ
	// Memory is set only with the memory job driver.
	Memory *queue.Memory

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		transport    *transport
		services     *services
		dispatch     *dispatchers
	}
}

type repositories struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Contacts   repository.ContactRepository
	Instances  repository.InstanceRepository
	Messages   repository.MessageRepository
	Events     repository.MessageEventStore
}

type transport struct {
	Publisher  queue.Publisher
	Delayer    queue.Delayer
	DeadLetter queue.DeadLetterSink
	Dispatcher *queue.Dispatcher
	// Promoter is the Redis delayed set; nil with the memory driver, whose timers deliver jobs.
	Promoter *queue.RedisDelayer
	// Status is nil when no status topic is configured.
	Status   *queue.StatusPublisher
	Progress queue.ProgressReporter

	closers []io.Closer
}

type services struct {
	Campaign  *campaignsvc.Service
	Message   *messagesvc.Service
	Reconcile *reconcile.Service
}

type dispatchers struct {
	Sender       *sender.Sender
	Lease        concurrency.Lease
	Pacer        *dispatch.Pacer
	Orchestrator *dispatch.Orchestrator
	Runner       *queue.Runner
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{Config: cfg, Logger: lg}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	container.Postgres = pg

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	container.Scylla = scylla

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	container.Redis = redisClient

	if cfg.Queue.Driver == "kafka" || cfg.Kafka.StatusTopic != "" {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	}

	switch cfg.Queue.Driver {
	case "rabbitmq":
		rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQ, lg.Logger)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap rabbitmq: %w", err)
		}
		container.RabbitMQ = rabbit
	case "memory":
		container.Memory = queue.NewMemory(0)
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		lg := c.Logger.Logger

		repos := &repositories{
			Campaigns:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Recipients: pgrepo.NewRecipientRepository(c.Postgres.DB()),
			Contacts:   pgrepo.NewContactRepository(c.Postgres.DB()),
			Instances:  pgrepo.NewInstanceRepository(c.Postgres.DB()),
			Messages:   pgrepo.NewMessageRepository(c.Postgres.DB()),
			Events:     scyllarepo.NewMessageEventStore(c.Scylla.Session()),
		}

		tr := c.buildTransport()

		var client gateway.Client
		switch cfg.Gateway.Provider {
		case "mock":
			client = gatewaymock.NewClient(cfg.Gateway)
		default:
			client = gateway.NewHTTPClient(cfg.Gateway)
		}
		snd := sender.New(client, cfg.Gateway.RequestTimeout, lg.Named("sender"))

		messages := messagesvc.NewService(messagesvc.Deps{
			Messages:   repos.Messages,
			Recipients: repos.Recipients,
			Campaigns:  repos.Campaigns,
			Instances:  repos.Instances,
			Events:     repos.Events,
			Jobs:       tr.Dispatcher,
			Sender:     snd,
			Logger:     lg.Named("message"),
		})

		svcs := &services{
			Campaign: campaignsvc.NewService(campaignsvc.Deps{
				Campaigns:  repos.Campaigns,
				Recipients: repos.Recipients,
				Contacts:   repos.Contacts,
				Instances:  repos.Instances,
				Messages:   repos.Messages,
				Jobs:       tr.Dispatcher,
				Retrier:    messages,
				Logger:     lg.Named("campaign"),
			}),
			Message:   messages,
			Reconcile: reconcile.NewService(repos.Messages, repos.Recipients, repos.Campaigns, repos.Events, lg.Named("reconcile")),
		}

		lease := concurrency.NewRedisLease(c.Redis.Inner(), c.Redis.Prefix(), cfg.Lease.TTL)
		pacer := dispatch.NewPacer(cfg.Pacing.Workers, lg.Named("pacer"))
		hostname, _ := os.Hostname()
		orch := dispatch.NewOrchestrator(dispatch.Deps{
			Campaigns:  repos.Campaigns,
			Recipients: repos.Recipients,
			Messages:   repos.Messages,
			Events:     repos.Events,
			Sender:     snd,
			Lease:      lease,
			Progress:   tr.Progress,
			Pacer:      pacer,
			Delay:      dispatch.UniformDelay(cfg.Pacing.MinDelay, cfg.Pacing.MaxDelay),
			Owner:      hostname,
			Logger:     lg.Named("orchestrator"),
		})

		runner := queue.NewRunner(tr.Dispatcher, tr.DeadLetter, lg.Named("runner"))
		runner.Handle(queue.JobProcessCampaign, orch.HandleProcessCampaign)
		runner.Handle(queue.JobSendMessage, messages.HandleSendJob)

		c.components.repositories = repos
		c.components.transport = tr
		c.components.services = svcs
		c.components.dispatch = &dispatchers{
			Sender:       snd,
			Lease:        lease,
			Pacer:        pacer,
			Orchestrator: orch,
			Runner:       runner,
		}
	})
}

func (c *Container) buildTransport() *transport {
	cfg := c.Config
	tr := &transport{
		Progress: queue.NewRedisProgress(c.Redis.Inner(), c.Redis.Prefix(), cfg.Queue.ProgressTTL),
	}

	switch cfg.Queue.Driver {
	case "memory":
		tr.Publisher = c.Memory
		tr.Delayer = c.Memory
		tr.DeadLetter = c.Memory
	case "rabbitmq":
		tr.Publisher = c.RabbitMQ
		tr.DeadLetter = c.RabbitMQ
	default:
		publisher := queue.NewKafkaPublisher(c.Kafka, cfg.Kafka.JobTopic)
		tr.Publisher = publisher
		tr.closers = append(tr.closers, publisher)
		if cfg.Kafka.DeadLetterTopic != "" {
			dead := queue.NewKafkaDeadLetter(c.Kafka, cfg.Kafka.DeadLetterTopic)
			tr.DeadLetter = dead
			tr.closers = append(tr.closers, dead)
		}
	}

	if tr.Delayer == nil {
		tr.Promoter = queue.NewRedisDelayer(c.Redis.Inner(), c.Redis.Prefix(), c.Logger.Logger)
		tr.Delayer = tr.Promoter
	}

	if c.Kafka != nil && cfg.Kafka.StatusTopic != "" {
		tr.Status = queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic)
		tr.closers = append(tr.closers, tr.Status)
	}

	tr.Dispatcher = queue.NewDispatcher(tr.Publisher, tr.Delayer, queue.Options{
		Attempts: cfg.Queue.MaxAttempts,
		Backoff:  cfg.Queue.BackoffBase,
	})
	return tr
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Transport exposes the job transport and its helpers.
func (c *Container) Transport() *transport {
	c.initComponents()
	return c.components.transport
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Dispatch exposes the campaign pacer, orchestrator and job runner.
func (c *Container) Dispatch() *dispatchers {
	c.initComponents()
	return c.components.dispatch
}

// NewJobConsumer returns a consumer for the configured job driver. The
// returned closer is nil for drivers whose lifetime the container owns.
func (c *Container) NewJobConsumer() (queue.Consumer, io.Closer) {
	switch c.Config.Queue.Driver {
	case "memory":
		return c.Memory, nil
	case "rabbitmq":
		return c.RabbitMQ, nil
	default:
		consumer := queue.NewKafkaConsumer(c.Kafka, c.Config.Kafka.JobTopic, c.Config.Kafka.ConsumerGroupID, c.Logger.Logger)
		return consumer, consumer
	}
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if tr := c.components.transport; tr != nil {
		for _, closer := range tr.closers {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("transport close: %w", err))
			}
		}
	}
	if c.Memory != nil {
		if err := c.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory queue close: %w", err))
		}
	}
	if c.RabbitMQ != nil {
		if err := c.RabbitMQ.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist. It is a no-op without Kafka.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), partitions, 1)
}
