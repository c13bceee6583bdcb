package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yuzu/coach/internal/auth"
	"yuzu/coach/internal/health"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

// ReadyFunc reports dependency health for /readyz.
type ReadyFunc func(ctx context.Context) health.HealthStatus

type handlerFunc func(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error

func NewRouter(h *Handlers, authn Authenticator, ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st := ready(r.Context())
		code := http.StatusOK
		if !st.OK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})

	mux.Handle("/metrics", promhttp.Handler())

	calls := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.serve(w, r, authn, "/calls", "", h.HandleCreate)
		case http.MethodGet:
			h.serve(w, r, authn, "/calls", "", h.HandleList)
		default:
			methodNotAllowed(w)
		}
	}
	mux.HandleFunc("/calls", calls)

	mux.HandleFunc("/calls/", func(w http.ResponseWriter, r *http.Request) {
		// /calls/{id} | /calls/{id}/{action} | /calls/personas
		path := strings.TrimSuffix(r.URL.Path, "/")
		const prefix = "/calls/"
		if path == "/calls" {
			calls(w, r)
			return
		}
		rest := strings.TrimPrefix(path, prefix)
		parts := strings.Split(rest, "/")
		if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
			notFound(w)
			return
		}
		id := parts[0]
		tail := ""
		if len(parts) > 1 {
			tail = parts[1]
		}

		if id == "personas" && (tail == "" || tail == "list") {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			h.serve(w, r, authn, "/calls/personas", "", h.HandlePersonas)
			return
		}

		type route struct {
			method string
			fn     handlerFunc
		}
		var routes []route
		switch tail {
		case "":
			routes = []route{{http.MethodGet, h.HandleGet}, {http.MethodDelete, h.HandleDelete}}
		case "complete":
			routes = []route{{http.MethodPost, h.HandleComplete}}
		case "analyze":
			routes = []route{{http.MethodPost, h.HandleAnalyze}}
		case "report":
			routes = []route{{http.MethodGet, h.HandleReport}}
		case "events":
			routes = []route{{http.MethodGet, h.HandleListEvents}}
		case "watch":
			routes = []route{{http.MethodGet, h.HandleWatch}}
		case "watch-ticket":
			routes = []route{{http.MethodPost, h.HandleMintWatchTicket}}
		default:
			notFound(w)
			return
		}
		name := "/calls/{id}"
		if tail != "" {
			name += "/" + tail
		}
		for _, rt := range routes {
			if rt.method == r.Method {
				h.serve(w, r, authn, name, id, rt.fn)
				return
			}
		}
		methodNotAllowed(w)
	})

	mux.HandleFunc("/hume/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.serve(w, r, authn, "/hume/token", "", h.HandleHumeToken)
	})

	return mux
}

// serve authenticates, runs fn, maps its error and records latency.
func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, authn Authenticator, route, id string, fn handlerFunc) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		httpDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}()

	p, err := h.authenticate(r, authn, route, id)
	if err != nil {
		rec.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(rec, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	if err := fn(rec, r, p, id); err != nil {
		var he *httpError
		if !errors.As(err, &he) {
			h.log.WithError(err).WithField("route", route).Debug("request failed")
		}
		writeError(rec, err)
	}
}

// authenticate accepts a bearer token, or a watch ticket on the watch route
// when no Authorization header is sent.
func (h *Handlers) authenticate(r *http.Request, authn Authenticator, route, id string) (auth.Principal, error) {
	ticket := r.URL.Query().Get("ticket")
	if route == "/calls/{id}/watch" && ticket != "" && r.Header.Get("Authorization") == "" {
		t, err := h.tickets.VerifyWatchTicket(ticket, id)
		if err != nil {
			return auth.Principal{}, err
		}
		return auth.Principal{UserID: t.UserID}, nil
	}
	return authn.Authenticate(r)
}

func notFound(w http.ResponseWriter) {
	writeDetail(w, http.StatusNotFound, "Not Found")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
