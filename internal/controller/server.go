package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"awgctl/internal/api"
	"awgctl/internal/errors"
	"awgctl/internal/guard"
	"awgctl/internal/logging"
	"awgctl/internal/metrics"
	"awgctl/internal/wireguard"
)

// InterfaceInfo reports the state of the managed interface.
type InterfaceInfo interface {
	Name() string
	State() wireguard.State
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Listen    string
	Manager   *Manager
	Guard     *guard.Guard
	Exporter  *metrics.Exporter // nil disables /metrics
	Interface InterfaceInfo
	Healthy   func() bool
	LastTick  func() time.Time
	Logger    *logging.Logger
}

// Server provides the awgctl HTTP API. Every route except /metrics runs
// behind the access guard.
type Server struct {
	opts   ServerOptions
	router *mux.Router
	log    *logging.Logger
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{opts: opts, router: mux.NewRouter(), log: opts.Logger.WithComponent("api")}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/peers", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/peers", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/peers/{name}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/peers/{name}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/peers/{name}/enable", s.handleSetEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/peers/{name}/disable", s.handleSetEnabled(false)).Methods(http.MethodPost)
	r.HandleFunc("/peers/{name}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleTotals).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.opts.Exporter != nil {
		r.Handle("/metrics", s.opts.Exporter.Handler()).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Error: "method not allowed", Kind: "validation"})
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.opts.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("api stopped")
	return nil
}

// guarded runs fn as one administrative action of the requesting principal.
func (s *Server) guarded(r *http.Request, action, detail string, fn func(ctx context.Context) error) error {
	ctx := r.Context()
	principal := r.Header.Get(api.PrincipalHeader)
	return s.opts.Guard.Do(ctx, principal, action, detail, func() error {
		return fn(ctx)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var issued Issued
	var req api.CreatePeerRequest
	decodeErr := decodeJSON(r, &req)
	err := s.guarded(r, "peer.create", req.Name, func(ctx context.Context) error {
		if decodeErr != nil {
			return errors.Wrap(decodeErr, errors.KindValidation, "decode request")
		}
		var err error
		issued, err = s.opts.Manager.Create(ctx, req.Name)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.CreatePeerResponse{
		Peer:    issued.Peer,
		Config:  issued.Config,
		Payload: issued.Payload,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := s.guarded(r, "peer.delete", name, func(ctx context.Context) error {
		return s.opts.Manager.Delete(ctx, name)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var peers []PeerStatus
	err := s.guarded(r, "peer.list", "", func(context.Context) error {
		var err error
		peers, err = s.opts.Manager.List()
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := api.ListPeersResponse{Peers: make([]api.Peer, 0, len(peers))}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, toAPIPeer(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var peer PeerStatus
	err := s.guarded(r, "peer.get", name, func(context.Context) error {
		var err error
		peer, err = s.opts.Manager.Get(name)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIPeer(peer))
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	action := "peer.disable"
	if enabled {
		action = "peer.enable"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		var peer PeerStatus
		err := s.guarded(r, action, name, func(ctx context.Context) error {
			var err error
			if enabled {
				peer, err = s.opts.Manager.Enable(ctx, name)
			} else {
				peer, err = s.opts.Manager.Disable(ctx, name)
			}
			return err
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAPIPeer(peer))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resp := api.StatsResponse{Peer: name}
	err := s.guarded(r, "peer.stats", name, func(ctx context.Context) error {
		since, err := parseSince(r)
		if err != nil {
			return err
		}
		resp.Since = since
		resp.Samples, err = s.opts.Manager.Stats(ctx, name, since)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	var resp api.TotalsResponse
	err := s.guarded(r, "stats.totals", "", func(ctx context.Context) error {
		since, err := parseSince(r)
		if err != nil {
			return err
		}
		totals, err := s.opts.Manager.Totals(ctx, since)
		if err != nil {
			return err
		}
		resp.Since = since
		resp.Totals = make([]api.PeerTotal, 0, len(totals))
		for _, t := range totals {
			resp.Totals = append(resp.Totals, api.PeerTotal{
				Name:      t.Name,
				PublicKey: t.PublicKey,
				Received:  t.Received,
				Sent:      t.Sent,
				Samples:   t.Samples,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp api.StatusResponse
	err := s.guarded(r, "status", "", func(context.Context) error {
		if iface := s.opts.Interface; iface != nil {
			resp.Interface = iface.Name()
			resp.State = iface.State().String()
		}
		if s.opts.Healthy != nil {
			resp.Healthy = s.opts.Healthy()
		}
		if s.opts.LastTick != nil {
			resp.LastTick = s.opts.LastTick()
		}
		resp.Peers = s.opts.Manager.Count()
		resp.PoolUsed = s.opts.Manager.pool.Len()
		resp.PoolCapacity = s.opts.Manager.pool.Capacity()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseSince(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, errors.KindValidation, "since %q is not RFC3339", v)
	}
	return t, nil
}

func toAPIPeer(p PeerStatus) api.Peer {
	return api.Peer{
		Name:            p.Name,
		PublicKey:       p.PublicKey,
		Address:         p.Address,
		CreatedAt:       p.CreatedAt,
		Enabled:         p.Enabled,
		Online:          p.Online,
		LatestHandshake: p.LatestHandshake,
		Received:        p.Received,
		Sent:            p.Sent,
	}
}

// StatusCode maps an error kind to the HTTP status returned for it.
func StatusCode(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindUnauthorized:
		return http.StatusForbidden
	case errors.KindUnknownPeer:
		return http.StatusNotFound
	case errors.KindDuplicateName:
		return http.StatusConflict
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindExhausted, errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.GetKind(err)
	status := StatusCode(kind)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind.String(), "error", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind.String(), "error", err)
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Kind: kind.String()})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}
