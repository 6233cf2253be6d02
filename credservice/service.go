package credservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/imgflow/credentials/core/bus"
	"github.com/imgflow/credentials/core/config"
	"github.com/imgflow/credentials/core/directory"
	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/core/registry"
	"github.com/imgflow/credentials/core/rotation"
	"github.com/imgflow/credentials/core/secretstore"
	"github.com/imgflow/credentials/core/token"
	"github.com/imgflow/credentials/metrics"
	"github.com/imgflow/credentials/pkg/logger"
	"github.com/imgflow/credentials/storage"
)

type ServiceStatus string

const (
	initStatus     ServiceStatus = "init"
	runningStatus  ServiceStatus = "running"
	shutdownStatus ServiceStatus = "shutdown"
)

// Service is the credentials orchestrator: it owns the secret store, key
// ring, account directory, job registry, token issuer and rotation task,
// consumes the bus, and drives the per-job protocol state machine.
type Service struct {
	config *config.Config
	logger logger.Logger

	ring      *keyring.KeyRing
	secrets   *secretstore.Store
	directory *directory.Directory
	resolver  *directory.Resolver
	registry  *registry.Registry
	rotator   *rotation.Rotator
	rotation  *rotation.Scheduler
	issuer    *token.Issuer

	bus       *bus.Bus
	publisher bus.Publisher
	consumer  *bus.Consumer

	metrics  *metrics.CredMetrics
	promReg  *prometheus.Registry
	validate *validator.Validate

	// statusMu guards status, which the ops server reads concurrently
	statusMu sync.Mutex
	status   ServiceStatus
}

func (s *Service) setStatus(status ServiceStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
}

func (s *Service) currentStatus() ServiceStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// RunWithConfig parses the config file, builds the service and runs it until
// a shutdown signal arrives.
func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	service, err := NewService(c)
	if err != nil {
		return fmt.Errorf("cannot initialize credentials service: %w", err)
	}

	return service.Start(context.Background())
}

// NewService wires the components together. Bad on-disk state (unusable key
// file) or an unreachable bus is fatal here; everything later is survivable.
func NewService(c *config.Config) (*Service, error) {
	l := c.Logger

	rootDB, err := storage.New(c.DataDir)
	if err != nil {
		return nil, err
	}
	secretsDB, err := storage.New(c.CredentialsDir)
	if err != nil {
		return nil, err
	}
	jobsDB, err := storage.New(c.JobsDir)
	if err != nil {
		return nil, err
	}

	if err := keyring.Bootstrap(rootDB, c.KeyFile); err != nil {
		return nil, fmt.Errorf("cannot bootstrap key file: %w", err)
	}
	ring, err := keyring.Load(rootDB, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key ring is unusable: %w", err)
	}

	secrets := secretstore.New(secretsDB, ring)
	dir := directory.New(rootDB, c.AccountsFile)
	resolver := directory.NewResolver(dir, secrets)
	reg := registry.New(jobsDB, l)
	rotator := rotation.NewRotator(ring, secrets, l)

	scheduler, err := rotation.NewScheduler(rotator, l, c.RotationSchedule)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewCredMetrics(promReg)
	scheduler.OnComplete(func(report *rotation.Report, err error) {
		if err != nil || !report.Success() {
			m.IncRotation("failure")
			return
		}
		m.IncRotation("success")
	})

	b, err := bus.Dial(c.BusURL, c.Exchange, l)
	if err != nil {
		// the only fatal bus condition, per the startup contract
		return nil, err
	}

	s := &Service{
		config:    c,
		logger:    l,
		ring:      ring,
		secrets:   secrets,
		directory: dir,
		resolver:  resolver,
		registry:  reg,
		rotator:   rotator,
		rotation:  scheduler,
		issuer:    token.NewIssuer(c.JwtSecret),
		bus:       b,
		publisher: b,
		metrics:   m,
		promReg:   promReg,
		validate:  validator.New(),
		status:    initStatus,
	}

	s.consumer = bus.NewConsumer(b, l, m)
	s.consumer.Register(bus.KeyJobAdd, s.handleJobAdd)
	s.consumer.Register(bus.KeyJobDelete, s.handleJobDelete)
	s.consumer.Register(bus.KeyJobCheck, s.handleJobCheck)
	s.consumer.Register(bus.KeyAccountAdd, s.handleAccountAdd)
	s.consumer.Register(bus.KeyAccountDelete, s.handleAccountDelete)
	s.consumer.RegisterPrefix(bus.KeyRequestPrefix, s.handleCredentialsRequest)

	return s, nil
}

func (s *Service) routingKeys() []string {
	keys := []string{
		bus.KeyJobAdd,
		bus.KeyJobDelete,
		bus.KeyJobCheck,
		bus.KeyAccountAdd,
		bus.KeyAccountDelete,
	}
	for _, svc := range s.config.Services {
		keys = append(keys, bus.KeyRequestPrefix+svc)
	}
	return keys
}

// Start restores persisted jobs, starts the rotation scheduler and the ops
// server, then blocks consuming the bus until SIGINT/SIGTERM.
func (s *Service) Start(ctx context.Context) error {
	restored, err := s.registry.Restore()
	if err != nil {
		return fmt.Errorf("cannot restore job registry: %w", err)
	}
	s.logger.Info("job registry restored", "jobs", restored)

	for _, svc := range s.config.Services {
		if err := s.bus.DeclareResponseQueue(svc); err != nil {
			return err
		}
	}

	deliveries, err := s.bus.DeclareServiceQueue(s.config.ServiceQueue, s.routingKeys())
	if err != nil {
		return err
	}

	s.rotation.Start()
	defer func() {
		if err := s.rotation.Stop(); err != nil {
			s.logger.Error("error stopping rotation scheduler", "error", err)
		}
	}()

	go s.runOpsServer()
	go s.trackUptime(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.setStatus(runningStatus)
	s.logger.Info("credentials service started",
		"queue", s.config.ServiceQueue,
		"services", s.config.Services)

	err = s.consumer.Run(ctx, deliveries)

	s.setStatus(shutdownStatus)
	s.logger.Info("credentials service shutting down")
	if closeErr := s.bus.Close(); closeErr != nil {
		s.logger.Error("error closing bus", "error", closeErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) trackUptime(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.AddUptime(5000)
		}
	}
}
