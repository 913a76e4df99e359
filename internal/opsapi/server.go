// Package opsapi exposes the operational command surface over HTTP:
// pool snapshots, deploy/undeploy, replica mutations, manual respawn and
// immediate sync rounds. Everything goes through the same pool,
// supervisor and syncer primitives the background loops use.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/internal/router"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

// Supervisor is the slice of the supervisor the API needs for manual
// respawns.
type Supervisor interface {
	TickPool(ctx context.Context, p *pool.Pool)
}

// Syncer triggers an immediate sync round.
type Syncer interface {
	ForceSync(ctx context.Context, p *pool.Pool)
}

// Deployer runs rolling updates.
type Deployer interface {
	Execute(ctx context.Context, site models.SiteID, newModule []byte) error
}

// Router dispatches one request against a site's pool.
type Router interface {
	Dispatch(ctx context.Context, p *pool.Pool, req sandbox.Request) (sandbox.Response, error)
}

type Server struct {
	registry   *pool.Registry
	engine     sandbox.Engine
	supervisor Supervisor
	syncer     Syncer
	deployer   Deployer
	router     Router

	log zerolog.Logger
}

func NewServer(
	registry *pool.Registry,
	engine sandbox.Engine,
	supervisor Supervisor,
	syncer Syncer,
	deployer Deployer,
	router Router,
) *Server {
	return &Server{
		registry:   registry,
		engine:     engine,
		supervisor: supervisor,
		syncer:     syncer,
		deployer:   deployer,
		router:     router,
		log:        log.With().Str("component", "opsapi").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /pools", s.handleListPools)
	mux.HandleFunc("GET /pools/{site}", s.handleGetPool)
	mux.HandleFunc("POST /deploy", s.handleDeploy)
	mux.HandleFunc("POST /undeploy/{site}", s.handleUndeploy)
	mux.HandleFunc("POST /pools/{site}/replicas", s.handleAddReplica)
	mux.HandleFunc("DELETE /pools/{site}/replicas/{cage}", s.handleRemoveReplica)
	mux.HandleFunc("POST /pools/{site}/respawn", s.handleRespawn)
	mux.HandleFunc("POST /pools/{site}/sync", s.handleSync)
	mux.HandleFunc("POST /pools/{site}/rollout", s.handleRollout)
	mux.HandleFunc("POST /sites/{site}/requests", s.handleDispatch)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	pools := s.registry.Pools()
	snaps := make([]models.PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		snaps = append(snaps, p.Snapshot())
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

type deployRequest struct {
	SiteID         string         `json:"site_id"`
	Module         []byte         `json:"module"`
	TargetReplicas int            `json:"target_replica_count"`
	Limits         sandbox.Limits `json:"limits"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, errors.New("site_id is required"))
		return
	}
	limits := req.Limits
	if limits == (sandbox.Limits{}) {
		limits = sandbox.DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := cage.Config{
		Module: req.Module,
		Limits: limits,
	}
	p, err := s.registry.Deploy(r.Context(), s.engine, models.SiteID(req.SiteID), cfg, req.TargetReplicas)
	if err != nil {
		if errors.Is(err, pool.ErrSiteExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Snapshot())
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	site := models.SiteID(r.PathValue("site"))
	if err := s.registry.Undeploy(r.Context(), site); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddReplica(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	var added *cage.Cage
	p.Exclusive(func() {
		added = p.SpawnReplica(r.Context(), s.engine, 0)
		p.SetTarget(p.Target() + 1)
	})
	writeJSON(w, http.StatusCreated, models.CageInfo{
		ID:              added.ID(),
		State:           added.State(),
		StateName:       added.State().String(),
		RespawnAttempts: added.RespawnAttempts(),
		Metrics:         added.Metrics(),
	})
}

func (s *Server) handleRemoveReplica(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	id := models.CageID(r.PathValue("cage"))

	var removed *cage.Cage
	p.Exclusive(func() {
		c, found := p.Remove(id)
		if !found {
			return
		}
		removed = c
		c.Terminate(r.Context())
		if p.Target() > 1 {
			p.SetTarget(p.Target() - 1)
		}
	})
	if removed == nil {
		writeError(w, http.StatusNotFound, errors.New("cage not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRespawn runs one supervision pass immediately instead of waiting
// for the next tick.
func (s *Server) handleRespawn(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	s.supervisor.TickPool(r.Context(), p)
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	s.syncer.ForceSync(r.Context(), p)
	w.WriteHeader(http.StatusAccepted)
}

type rolloutRequest struct {
	Module []byte `json:"module"`
}

func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	site := models.SiteID(r.PathValue("site"))
	var req rolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deployer.Execute(r.Context(), site, req.Module); err != nil {
		if errors.Is(err, pool.ErrSiteNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDispatch routes one request through the load balancer to a
// healthy cage. Zero healthy cages is a retriable 503, never a hang.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := s.sitePool(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.router.Dispatch(r.Context(), p, sandbox.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
	})
	if err != nil {
		switch {
		case errors.Is(err, router.ErrNoHealthyReplica):
			writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, router.ErrRequestRejected):
			writeError(w, http.StatusForbidden, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) sitePool(w http.ResponseWriter, r *http.Request) (*pool.Pool, bool) {
	site := models.SiteID(r.PathValue("site"))
	p, ok := s.registry.Get(site)
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrSiteNotFound)
		return nil, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
