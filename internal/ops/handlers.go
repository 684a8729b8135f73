package ops

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"babbell/internal/broadcast"
	rtsup "babbell/internal/runtime/supervisor"
	"babbell/internal/scheduler"
)

// Supervised exposes the goroutine supervisor of a running component; nil
// means the component is not running.
type Supervised interface {
	Supervisor() *rtsup.Supervisor
}

type Component struct {
	Name  string
	Probe Supervised
}

// BroadcastLog is the recent-outcome ring kept by the broadcast sender.
type BroadcastLog interface {
	Recent() []broadcast.Outcome
	Lookup(id string) (broadcast.Outcome, bool)
}

// Sources are the read-only views served by the ops endpoints. Nil fields
// disable their endpoint.
type Sources struct {
	Metrics    http.Handler
	Components []Component
	Broadcasts BroadcastLog
	Schedules  func() scheduler.Snapshot
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.healthz))
	if s.src.Metrics != nil {
		mux.Handle("/metrics", wrap(s.src.Metrics.ServeHTTP))
	}
	if s.src.Broadcasts != nil {
		mux.HandleFunc("/debug/broadcasts", wrap(s.broadcasts))
		mux.HandleFunc("/debug/broadcasts/", wrap(s.broadcasts))
	}
	if s.src.Schedules != nil {
		mux.HandleFunc("/debug/schedules", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.src.Schedules())
		}))
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type componentHealth struct {
	Name    string            `json:"name"`
	Running bool              `json:"running"`
	Tasks   []rtsup.TaskStats `json:"tasks,omitempty"`
}

type health struct {
	Status     string            `json:"status"`
	Components []componentHealth `json:"components"`
}

// healthz reports 503 while any component is not running.
func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Components: make([]componentHealth, 0, len(s.src.Components))}
	for _, c := range s.src.Components {
		var sup *rtsup.Supervisor
		if c.Probe != nil {
			sup = c.Probe.Supervisor()
		}
		ch := componentHealth{Name: c.Name, Running: sup != nil}
		if sup != nil {
			ch.Tasks = sup.Snapshot()
		} else {
			h.Status = "degraded"
		}
		h.Components = append(h.Components, ch)
	}
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type failureView struct {
	Tenant string `json:"tenant"`
	User   string `json:"user"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type outcomeView struct {
	ID        string        `json:"id"`
	Action    string        `json:"action"`
	Tenant    string        `json:"initiator_tenant"`
	User      string        `json:"initiator_user"`
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Failures  []failureView `json:"failures,omitempty"`
	Started   time.Time     `json:"started_at"`
	Finished  time.Time     `json:"finished_at"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

func viewOf(o broadcast.Outcome, withFailures bool) outcomeView {
	v := outcomeView{
		ID:        o.ID,
		Action:    o.Action,
		Tenant:    o.Initiator.TenantID,
		User:      o.Initiator.UserID,
		Total:     o.Total,
		Success:   o.Success,
		Failed:    o.Failed(),
		Started:   o.StartedAt,
		Finished:  o.FinishedAt,
		ElapsedMS: o.FinishedAt.Sub(o.StartedAt).Milliseconds(),
	}
	if withFailures {
		for _, f := range o.Failures {
			v.Failures = append(v.Failures, failureView{Tenant: f.TenantID, User: f.UserID, Kind: f.Kind, Reason: f.Reason})
		}
	}
	return v
}

// broadcasts lists recent outcomes, newest first; /debug/broadcasts/<id>
// returns one outcome with its failures.
func (s *Service) broadcasts(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/debug/broadcasts"), "/")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id != "" {
		o, ok := s.src.Broadcasts.Lookup(id)
		if !ok {
			http.Error(w, "broadcast not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(o, true))
		return
	}
	recent := s.src.Broadcasts.Recent()
	out := make([]outcomeView, 0, len(recent))
	for _, o := range recent {
		out = append(out, viewOf(o, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
