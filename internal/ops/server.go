package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"orderflow/config"
	"orderflow/internal/facade"
	"orderflow/logger"
	"orderflow/models"
)

// Executor is the slice of the execution facade the ops server needs.
type Executor interface {
	Execute(ctx context.Context, intent models.OrderIntent, opts facade.Options) models.ExecutionResult
}

// Book is the portfolio view served on the read side of the API.
type Book interface {
	Snapshot() models.PortfolioSnapshot
}

// Server hosts the Gin-powered ops API: order intake into the execution
// facade plus portfolio, log and host-resource introspection.
type Server struct {
	cfg             config.OpsConfig
	log             *logger.Log
	exec            Executor
	book            Book
	logStore        *logStore
	resourceSampler *resourceSampler
	httpServer      *http.Server
	started         time.Time
}

// NewServer constructs the ops server when the feature is enabled.
// When disabled the returned server is nil and all methods are no-ops.
// auditDir is the directory the audit sink writes to; the resource
// sampler watches its volume for disk pressure.
func NewServer(cfg config.OpsConfig, exec Executor, book Book, auditDir string, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.ResourceHistory <= 0 {
		cfg.ResourceHistory = 200
	}

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:             cfg,
		log:             log,
		exec:            exec,
		book:            book,
		logStore:        store,
		resourceSampler: newResourceSampler(cfg.ResourceHistory, cfg.RefreshInterval, auditDir, log),
	}
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.started = time.Now()
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	if s.logStore != nil {
		s.logStore.close()
	}
	s.resourceSampler.stop()
}

// Address reports the network address the ops server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":    appName,
			"uptime": time.Since(s.started).String(),
		})
	})

	router.POST("/api/orders", s.handleSubmitOrder)

	router.GET("/api/portfolio", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.book.Snapshot())
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

// handleSubmitOrder decodes an order intent and hands it to the
// execution facade. Malformed requests get a 400; everything else is
// answered with the facade's structured result so callers can replay
// safely on any status.
func (s *Server) handleSubmitOrder(c *gin.Context) {
	var intent models.OrderIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order intent: " + err.Error()})
		return
	}
	if intent.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	if !intent.Side.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be BUY or SELL"})
		return
	}

	opts := facade.Options{}
	if key := c.GetHeader("X-Idempotency-Key"); key != "" {
		opts.KeyOverride = key
	}
	if raw, ok := c.GetQuery("dry_run"); ok {
		dry := raw == "" || strings.EqualFold(raw, "true") || raw == "1"
		opts.DryRun = &dry
	}

	result := s.exec.Execute(c.Request.Context(), intent, opts)

	status := http.StatusOK
	if result.Status == models.ExecStatusRejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
