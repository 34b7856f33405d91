// Package scheduler runs periodic jobs such as the allocation expiry sweep
// and the outbox relay. With a Redis locker only one instance in a fleet
// runs a given job per tick.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker grants an exclusive lease on a job name. ok is false when another
// holder has it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// LocalLocker always grants the lease. Use it for single-instance setups.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), prefix: "lv-escrow:job:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	mutex := l.rs.NewMutex(l.prefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var (
			taken     *redsync.ErrTaken
			nodeTaken *redsync.ErrNodeTaken
		)
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("scheduler: lock expired before release")
		}
		return nil
	}
	return unlock, true, nil
}

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	locker Locker
	log    *slog.Logger
	jobs   []Job
	wg     sync.WaitGroup
}

func New(locker Locker, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{locker: locker, log: logger.With("component", "scheduler")}
}

func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches every job on its own ticker. Jobs stop when ctx is done;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.RunOnce(ctx, job); err != nil && ctx.Err() == nil {
						s.log.Error("job failed", "job", job.Name, "error", err)
					}
				}
			}
		}(job)
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunOnce runs job if its lease can be taken. ran is false when another
// instance holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (bool, error) {
	ttl := job.Interval
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	unlock, ok, err := s.locker.TryLock(ctx, job.Name, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Debug("job lease held elsewhere", "job", job.Name)
		return false, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("job lease release failed", "job", job.Name, "error", err)
		}
	}()
	return true, job.Run(ctx)
}
