// Package scheduler runs the periodic engine sweeps on a gocron scheduler.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tpia/internal/sweep"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

var ErrLeaseHeld = errors.New("sweep lease is held by another instance")

// Sweep is one periodic batch job.
type Sweep interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) (*sweep.Result, error)
}

// Locker hands out named leases across instances. pkg/cache.RedisCache satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type funcSweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (*sweep.Result, error)
}

func NewSweep(name string, interval time.Duration, run func(ctx context.Context) (*sweep.Result, error)) Sweep {
	return &funcSweep{name: name, interval: interval, run: run}
}

func (s *funcSweep) Name() string                                   { return s.name }
func (s *funcSweep) Interval() time.Duration                        { return s.interval }
func (s *funcSweep) Run(ctx context.Context) (*sweep.Result, error) { return s.run(ctx) }

type Scheduler struct {
	scheduler gocron.Scheduler
	locker    Locker
	leaseTTL  time.Duration
	logger    logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds a scheduler ticking on clock. A nil locker runs every sweep
// without a cross-instance lease.
func New(clock clockwork.Clock, locker Locker, leaseTTL time.Duration, log logger.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		locker:    locker,
		leaseTTL:  leaseTTL,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds sw as a duration job. A run that overlaps the previous one is
// rescheduled rather than started twice.
func (s *Scheduler) Register(sw Sweep) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(sw.Interval()),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(s.ctx, sw); err != nil && !errors.Is(err, ErrLeaseHeld) {
				s.logger.Error("Sweep run failed", map[string]interface{}{
					"sweep": sw.Name(),
					"error": err.Error(),
				})
			}
		}),
		gocron.WithName(sw.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to register sweep "+sw.Name())
	}
	s.logger.Info("Sweep registered", map[string]interface{}{
		"sweep":    sw.Name(),
		"interval": sw.Interval().String(),
	})
	return nil
}

// RunOnce runs sw now under its lease. Lease backend failures are logged and
// the sweep runs anyway: the cycle key still prevents double processing.
func (s *Scheduler) RunOnce(ctx context.Context, sw Sweep) (*sweep.Result, error) {
	if s.locker != nil {
		key := "sweep:" + sw.Name()
		token := uuid.NewString()
		ok, err := s.locker.AcquireLock(ctx, key, token, s.leaseTTL)
		switch {
		case err != nil:
			s.logger.Warn("Sweep lease unavailable, running without it", map[string]interface{}{
				"sweep": sw.Name(),
				"error": err.Error(),
			})
		case !ok:
			s.logger.Debug("Sweep lease held elsewhere", map[string]interface{}{"sweep": sw.Name()})
			return nil, ErrLeaseHeld
		default:
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
					s.logger.Warn("Failed to release sweep lease", map[string]interface{}{
						"sweep": sw.Name(),
						"error": err.Error(),
					})
				}
			}()
		}
	}
	return sw.Run(ctx)
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("Scheduler started", map[string]interface{}{"jobs": len(s.scheduler.Jobs())})
}

// Stop waits for running sweeps to finish their batch, then shuts down.
func (s *Scheduler) Stop() error {
	defer s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return errors.Wrap(err, "failed to shut down scheduler")
	}
	s.logger.Info("Scheduler stopped", nil)
	return nil
}

// JobNames lists the registered sweeps.
func (s *Scheduler) JobNames() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}
