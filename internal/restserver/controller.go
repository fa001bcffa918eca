// Package restserver exposes the read path of the water-level forecast
// pipeline over HTTP: corrected history, climatology, skill metrics, the
// ensemble forecast summary, the warning bulletin and CSV exports.
package restserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hydrowatch/waterlevel-forecast/internal/log"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

// Controller represents the REST server controller.
type Controller struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	httpConfig config.HTTPData
	Server     http.Server
	service    *Service
	logger     *zap.SugaredLogger
	handlers   *Handlers
}

// NewController creates a new REST server controller on top of an already
// opened store.
func NewController(ctx context.Context, wg *sync.WaitGroup, store timeseries.Store, cfg config.ConfigData, clock clockwork.Clock, logger *zap.SugaredLogger) (*Controller, error) {
	ctrl := &Controller{
		ctx:        ctx,
		wg:         wg,
		httpConfig: cfg.HTTP,
		logger:     logger,
	}

	if ctrl.httpConfig.ListenAddr == "" {
		logger.Info("http.listen_addr not provided; defaulting to 0.0.0.0:8080")
		ctrl.httpConfig.ListenAddr = "0.0.0.0:8080"
	}
	if ctrl.httpConfig.RequestTimeout == 0 {
		ctrl.httpConfig.RequestTimeout = 30 * time.Second
	}

	ctrl.service = NewService(store, cfg.Cycle, clock, logger)
	ctrl.handlers = NewHandlers(ctrl)

	router := ctrl.setupRouter()
	ctrl.Server.Addr = ctrl.httpConfig.ListenAddr
	ctrl.Server.Handler = router

	return ctrl, nil
}

// Service returns the composed read-path service, shared with the pipeline
// so both sides use the same mapping and bulletin caches.
func (c *Controller) Service() *Service {
	return c.service
}

// StartController starts the REST server.
func (c *Controller) StartController() error {
	log.Info("Starting REST server controller...")
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("REST server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		log.Info("Shutting down the REST server...")
		c.Server.Shutdown(context.Background())
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints.
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/history", c.handlers.GetHistory)
	router.HandleFunc("/api/climatology", c.handlers.GetClimatology)
	router.HandleFunc("/api/skill", c.handlers.GetSkill)
	router.HandleFunc("/api/forecast", c.handlers.GetForecast)
	router.HandleFunc("/api/warnings", c.handlers.GetWarnings)
	router.HandleFunc("/api/export/{kind}", c.handlers.ExportCSV)

	router.Handle("/metrics", promhttp.Handler())

	return router
}
