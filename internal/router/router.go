// Package router turns inbound platform updates into bell, poll and
// subscription operations. Updates are handled by a bounded worker pool; when
// the queue is full the update is dropped and counted.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"babbell/internal/admission"
	"babbell/internal/broadcast"
	"babbell/internal/menu"
	"babbell/internal/metrics"
	"babbell/internal/poll"
	"babbell/internal/registry"
	rtsup "babbell/internal/runtime/supervisor"
	"babbell/internal/storage"
	"babbell/internal/transport"
	logx "babbell/pkg/logx"

	"github.com/google/uuid"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 2 * time.Minute

	// drainGrace bounds how long queued jobs keep running after shutdown.
	drainGrace = 2 * time.Second
)

type Config struct {
	Workers   int
	QueueSize int
	// HandlerTimeout bounds one update, including a full broadcast fan-out.
	HandlerTimeout time.Duration
}

// MenuSource provides today's menu for bell broadcasts.
type MenuSource interface {
	Enabled() bool
	Fetch(ctx context.Context) menu.Today
}

type Deps struct {
	Registry *registry.Registry
	Store    storage.Store
	Gate     *admission.Gate
	Sender   *broadcast.Sender
	Polls    *poll.Engine
	Menu     MenuSource
	Metrics  *metrics.Metrics
}

// Request is one update being handled.
type Request struct {
	Update   transport.Update
	TenantID string
	UserID   string
	Route    string
	ReqID    string
	Adapter  transport.Adapter
	Logger   logx.Logger
}

type Router struct {
	Deps
	cfg     Config
	log     logx.Logger
	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Router{
		Deps:    deps,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "router")),
		timeout: timeout,
		jobs:    make(chan func(), cfg.QueueSize),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run dispatches updates until ctx is done or updates is closed. Queued jobs
// are drained for a short grace period on exit.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.setSupervisor(sup, true)
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	jobCtx, stopJobs := withGrace(ctx, drainGrace)

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					if n := r.drain(jobCtx, idx); n > 0 {
						r.log.Info("queued jobs drained", logx.Int("worker", idx), logx.Int("count", n))
					}
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishErrors(),
		)
	}

	defer func() {
		r.setSupervisor(sup, false)
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		stopJobs()
		sup.Cancel()
		r.setSupervisor(nil, false)
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(jobCtx, up)
		}
	}
}

// drain runs jobs still queued until the queue is empty or ctx ends.
func (r *Router) drain(ctx context.Context, worker int) int {
	n := 0
	for ctx.Err() == nil {
		select {
		case job, ok := <-r.jobs:
			if !ok {
				return n
			}
			r.runJob(worker, job)
			n++
		default:
			return n
		}
	}
	return n
}

// withGrace returns a context that ends grace after parent does.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.AfterFunc(grace, cancel)
		context.AfterFunc(ctx, func() { t.Stop() })
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	req, h, ok := r.resolve(up)
	if !ok {
		return
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		r.mwCount(),
		MWTimeout(r.timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.Metrics.Dropped()
		req.Logger.Warn("router queue full, update dropped", logx.String("route", req.Route))
	}
}

// resolve picks the handler for up. Updates from unknown tenants, bots and
// non-private chats are ignored.
func (r *Router) resolve(up transport.Update) (*Request, HandlerFunc, bool) {
	a, ok := r.Registry.Get(up.TenantID)
	if !ok {
		r.log.Warn("update from unregistered tenant", logx.String("tenant", up.TenantID))
		return nil, nil, false
	}
	req := &Request{Update: up, TenantID: up.TenantID, Adapter: a, ReqID: newReqID()}

	var h HandlerFunc
	switch up.Kind {
	case transport.UpdateMessage:
		m := up.Message
		if m == nil || !m.Private || m.FromBot || m.UserID == "" {
			return nil, nil, false
		}
		req.UserID, req.Route = m.UserID, "dm"
		h = r.handleMessage
	case transport.UpdateAction:
		act := up.Action
		if act == nil || act.UserID == "" {
			return nil, nil, false
		}
		req.UserID = act.UserID
		switch {
		case isVote(act.ActionID):
			req.Route, h = "poll.vote", r.handleVote
		case isRefresh(act.ActionID):
			req.Route, h = "poll.refresh", r.handleRefresh
		default:
			req.Route, h = "button", r.handleButton
		}
	default:
		return nil, nil, false
	}
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.String("tenant", req.TenantID),
		logx.String("user", req.UserID),
	)
	return req, h, true
}

func newReqID() string { return uuid.NewString()[:8] }

func isVote(actionID string) bool {
	_, ok := poll.ParseVote(actionID)
	return ok
}

func isRefresh(actionID string) bool {
	_, ok := poll.ParseRefresh(actionID)
	return ok
}
