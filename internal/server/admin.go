package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
)

// AdminAddr offsets the port of base by the worker ordinal so every worker
// gets its own admin listener.
func AdminAddr(base string, id int) (string, error) {
	host, rawPort, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("server: admin listen %q: %w", base, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("server: admin listen %q: invalid port", base)
	}
	if port == 0 {
		return net.JoinHostPort(host, "0"), nil
	}
	if port+id > 65535 {
		return "", fmt.Errorf("server: admin listen %q: port %d out of range for worker %d", base, port+id, id)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+id)), nil
}

// WorkerStatus is the admin view of one worker.
type WorkerStatus struct {
	ID        int            `json:"id"`
	Role      string         `json:"role"`
	PID       int            `json:"pid"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Since     string         `json:"since"`
	Uptime    string         `json:"uptime"`
	LocalAddr string         `json:"local_addr,omitempty"`
	Packets   PacketCounters `json:"packets"`
}

// PacketCounters mirrors the dispatch loop stats.
type PacketCounters struct {
	Received  uint64 `json:"received"`
	Transient uint64 `json:"transient"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	InFlight  uint64 `json:"in_flight"`
}

// Admin is the per-worker HTTP endpoint: health, readiness, status and
// prometheus metrics.
type Admin struct {
	worker  *Worker
	router  *gin.Engine
	srv     *http.Server
	started time.Time
	addr    string
}

func newAdmin(w *Worker, addr string, corsOrigins []string, logger zerolog.Logger) *Admin {
	observability.RegisterMetrics()
	label := strconv.Itoa(w.id)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(label))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		worker:  w,
		router:  r,
		started: time.Now(),
		addr:    addr,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"service": a.worker.settings.Name,
			"worker":  a.worker.id,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		phase := a.worker.Phase()
		status := http.StatusOK
		if phase != lifecycle.WorkerRunning {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  phase == lifecycle.WorkerRunning,
			"phase":  string(phase),
			"worker": a.worker.id,
		})
	})

	a.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.status())
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *Admin) status() WorkerStatus {
	w := a.worker
	st := WorkerStatus{
		ID:     w.id,
		Role:   string(w.role),
		PID:    os.Getpid(),
		RunID:  w.env.RunID,
		Phase:  string(w.Phase()),
		Since:  w.machine.Since().UTC().Format(time.RFC3339Nano),
		Uptime: time.Since(a.started).String(),
	}
	if addr := w.LocalAddr(); addr.IsValid() {
		st.LocalAddr = addr.String()
	}
	stats := w.Stats()
	st.Packets = PacketCounters{
		Received:  stats.Received,
		Transient: stats.Transient,
		Succeeded: stats.Succeeded,
		Failed:    stats.Failed,
		InFlight:  stats.InFlight(),
	}
	return st
}

// HTTPRouter exposes the router for in-process tests.
func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Start listens and serves in the background. Serve errors other than a
// normal shutdown are sent on the returned channel.
func (a *Admin) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return nil, fmt.Errorf("server: admin listen %s: %w", a.addr, err)
	}
	a.addr = ln.Addr().String()
	a.srv = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()
	return errs, nil
}

// Addr is the listen address; after Start it is the resolved address.
func (a *Admin) Addr() string {
	return a.addr
}

// Shutdown stops the listener and waits for active requests up to ctx.
func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
