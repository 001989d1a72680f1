package formsvc

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/formlink/internal/auth"
	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Admin is the HTTP surface of a running service: health, the form table,
// metrics and the connection drop switch used to exercise client recovery.
type Admin struct {
	ID       string
	Appeared time.Time

	server *Server
	router *gin.Engine
	gate   auth.Validator
}

type AdminConfig struct {
	ID          string
	CorsOrigins []string
	// Token guards the mutating admin routes. Blank leaves them open.
	Token string
}

func NewAdmin(cfg AdminConfig, server *Server) *Admin {
	id := cfg.ID
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(id, auth.HeaderAdminToken, observability.ComponentLogger("formsvc.admin")))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", auth.HeaderAdminToken},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       id,
		Appeared: time.Now(),
		server:   server,
		router:   r,
		gate:     auth.ForToken(cfg.Token),
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":       true,
			"connections": a.server.ActiveConnections(),
			"forms":       a.server.Store().Len(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/forms", func(c *gin.Context) {
		infos, err := a.server.Store().GetAllFormsInfo(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		observability.Annotate(c, "forms", len(infos))
		c.JSON(http.StatusOK, gin.H{"forms": infos})
	})

	a.router.GET("/forms/:id", func(c *gin.Context) {
		raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || !form.ID(raw).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form id"})
			return
		}
		info, ok := a.server.Store().Form(form.ID(raw))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	a.router.POST("/admin/drop", auth.Middleware(a.gate), func(c *gin.Context) {
		n := a.server.DropConnections()
		observability.Annotate(c, "dropped", n)
		log.Warn().Str("service", a.ID).Int("connections", n).Msg("admin dropped client connections")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "dropped": n})
	})
}

// Serve runs the admin HTTP server until ctx is done.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("service", a.ID).Str("addr", addr).Msg("formsvc admin listening")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
