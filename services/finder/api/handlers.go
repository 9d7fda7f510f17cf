// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the discovery registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/registry"
)

var tracer = otel.Tracer("pyfinder.api")

// Discovery is the registry surface the API serves.
// *registry.Registry satisfies it.
type Discovery interface {
	GetEnvs(query *registry.Query) []*envs.Environment
	ResolveEnv(ctx context.Context, path string) (*envs.Environment, error)
	TriggerRefresh(ctx context.Context, query *registry.Query, opts registry.TriggerRefreshOptions) error
	State() registry.Stage
	Len() int
}

// ResolveRequest is the body of POST /v1/envs/resolve.
type ResolveRequest struct {
	Path string `json:"path" binding:"required"`
}

// RefreshRequest is the optional body of POST /v1/envs/refresh.
type RefreshRequest struct {
	IfNotTriggeredAlready bool `json:"if_not_triggered_already"`
	ClearCache            bool `json:"clear_cache"`
}

// StatusResponse reports the registry state.
type StatusResponse struct {
	State registry.Stage `json:"state"`
	Count int            `json:"count"`
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	discovery Discovery
	logger    *logging.Logger
}

// NewHandlers creates the handlers. A nil logger means logging.Default().
func NewHandlers(discovery Discovery, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{discovery: discovery, logger: logger.With("component", "api")}
}

// NewRouter builds the engine with every route plus /metrics.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pyfinder"))
	h.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// RegisterRoutes adds the /v1 routes to r.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/health", h.HandleHealth)
	v1.GET("/envs", h.HandleListEnvs)
	v1.GET("/envs/status", h.HandleStatus)
	v1.POST("/envs/resolve", h.HandleResolve)
	v1.POST("/envs/refresh", h.HandleRefresh)
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleListEnvs returns the known environments.
//
// Query parameters: kind (repeatable, value or display name), root
// (repeatable) and rooted_only (bool).
func (h *Handlers) HandleListEnvs(c *gin.Context) {
	query, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.discovery.GetEnvs(query))
}

// HandleStatus reports the discovery stage and collection size.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{State: h.discovery.State(), Count: h.discovery.Len()})
}

// HandleResolve resolves one interpreter path.
func (h *Handlers) HandleResolve(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleResolve")
	defer span.End()

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	span.SetAttributes(attribute.String("finder.executable", req.Path))

	env, err := h.discovery.ResolveEnv(ctx, req.Path)
	if err != nil {
		recordSpanError(span, err)
		h.logger.Error("resolve failed", "path", req.Path, "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if env == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "environment not found", "path": req.Path})
		return
	}
	c.JSON(http.StatusOK, env)
}

// HandleRefresh runs a discovery pass and waits for it.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleRefresh")
	defer span.End()

	var req RefreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	query, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := registry.TriggerRefreshOptions{
		IfNotTriggeredAlready: req.IfNotTriggeredAlready,
		ClearCache:            req.ClearCache,
	}
	if err := h.discovery.TriggerRefresh(ctx, query, opts); err != nil {
		recordSpanError(span, err)
		h.logger.Error("refresh failed", "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{State: h.discovery.State(), Count: h.discovery.Len()})
}

func parseQuery(c *gin.Context) (*registry.Query, error) {
	kinds := c.QueryArray("kind")
	roots := c.QueryArray("root")
	rootedOnly := c.Query("rooted_only")
	if len(kinds) == 0 && len(roots) == 0 && rootedOnly == "" {
		return nil, nil
	}

	q := &registry.Query{Roots: roots}
	for _, name := range kinds {
		kind, ok := envs.ParseKind(name)
		if !ok {
			return nil, errors.New("unknown kind: " + name)
		}
		q.Kinds = append(q.Kinds, kind)
	}
	if rootedOnly != "" {
		v, err := strconv.ParseBool(rootedOnly)
		if err != nil {
			return nil, errors.New("rooted_only must be a boolean")
		}
		q.DoNotIncludeNonRooted = v
	}
	return q, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
