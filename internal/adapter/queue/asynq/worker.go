package asynqadp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// ClassConcurrency bounds simultaneous handlers per queue class.
var ClassConcurrency = map[string]int{
	domain.QueueSync:        5,
	domain.QueueWebhook:     10,
	domain.QueueAlert:       3,
	domain.QueueStockUpdate: 5,
}

// ServerSet is one tenant's consumer side: one asynq server per queue class,
// each consuming only that class's queue. asynq's Concurrency is a server-wide
// bound, so per-class bounds need per-class servers.
type ServerSet struct {
	log     *slog.Logger
	servers map[string]*asynq.Server
	muxes   map[string]*asynq.ServeMux
}

// NewServerSet builds the per-class servers for one tenant. conc overrides
// ClassConcurrency entries when non-nil.
func NewServerSet(redisURL, prefix, tenantID string, conc map[string]int, log *slog.Logger) (*ServerSet, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.server_set: %w", err)
	}
	s := &ServerSet{
		log:     log,
		servers: make(map[string]*asynq.Server),
		muxes:   make(map[string]*asynq.ServeMux),
	}
	for class, n := range ClassConcurrency {
		if conc != nil {
			if v, ok := conc[class]; ok && v > 0 {
				n = v
			}
		}
		qname := domain.QueueName(prefix, tenantID, class)
		cls := class
		s.servers[class] = asynq.NewServer(opt, asynq.Config{
			Concurrency:    n,
			Queues:         map[string]int{qname: 1},
			RetryDelayFunc: retryDelay,
			Logger:         slogAdapter{l: log.With(slog.String("queue_class", class))},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				log.Warn("job attempt failed",
					slog.String("queue_class", cls),
					slog.String("task", task.Type()),
					slog.Any("error", err))
			}),
		})
		s.muxes[class] = asynq.NewServeMux()
	}
	return s, nil
}

// HandleFunc registers a handler for taskType on the given class's server.
// The wrapper keeps the processing gauge and duration metrics uniform across
// agents.
func (s *ServerSet) HandleFunc(class, taskType string, h func(context.Context, *asynq.Task) error) {
	mux, ok := s.muxes[class]
	if !ok {
		panic(fmt.Sprintf("unknown queue class %q", class))
	}
	mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		observability.StartProcessingJob(class)
		err := h(ctx, t)
		if err != nil {
			observability.FailJob(class, time.Since(start).Seconds())
		} else {
			observability.CompleteJob(class, time.Since(start).Seconds())
		}
		return err
	})
}

// Start launches every class server. Handlers must be registered first.
func (s *ServerSet) Start() error {
	for class, srv := range s.servers {
		if err := srv.Start(s.muxes[class]); err != nil {
			return fmt.Errorf("op=queue.start: class %s: %w", class, err)
		}
	}
	return nil
}

// Shutdown waits for in-flight handlers, then stops all servers.
func (s *ServerSet) Shutdown() {
	for _, srv := range s.servers {
		srv.Shutdown()
	}
}

// retryDelay spaces attempts 1s, 2s, 4s, ... regardless of asynq's default
// jittered curve.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(1<<uint(n-1)) * time.Second
}

// slogAdapter funnels asynq's internal logging into the worker's JSON logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
