// Package api exposes job management, run control, and the progress event
// stream over HTTP. Dashboards consume the same surface operators script
// against.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/events"
	"github.com/fleetsync/fleetsync/pkg/scheduler"
	"github.com/fleetsync/fleetsync/pkg/store"
)

// Server wires the HTTP surface to the engine.
type Server struct {
	store *store.Store
	sched *scheduler.Scheduler
	pub   *events.Publisher

	// storage holds uploaded source blobs under storageDir.
	storage    afero.Fs
	storageDir string
}

// New returns an API server. `storage` is the filesystem holding uploaded
// blobs, rooted at `storageDir`.
func New(s *store.Store, sched *scheduler.Scheduler, pub *events.Publisher,
	storage afero.Fs, storageDir string) *Server {

	return &Server{
		store:      s,
		sched:      sched,
		pub:        pub,
		storage:    storage,
		storageDir: storageDir,
	}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api")
	api.GET("/health", s.health)

	sync := api.Group("/sync")
	sync.POST("/jobs", s.createJob)
	sync.GET("/jobs", s.listJobs)
	sync.GET("/jobs/:id", s.getJob)
	sync.PUT("/jobs/:id", s.updateJob)
	sync.DELETE("/jobs/:id", s.deleteJob)
	sync.POST("/jobs/:id/trigger", s.triggerJob)
	sync.GET("/jobs/:id/runs", s.listRuns)
	sync.GET("/runs/:id", s.getRun)
	sync.POST("/runs/:id/cancel", s.cancelRun)
	sync.GET("/conflicts", s.listConflicts)
	sync.DELETE("/conflicts", s.clearConflicts)
	sync.POST("/upload", s.upload)
	sync.GET("/events", s.streamEvents)

	return router
}

// ListenAndServe blocks serving the API on `addr`.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("address", addr).Info("Serving API")
	return s.Router().Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Handled request")
	}
}

// abortWithError translates the engine's error taxonomy to a status code.
func abortWithError(c *gin.Context, err error) {
	status := 500

	var validation errors.ValidationError
	var notFound errors.FileNotFound
	switch {
	case errors.IsJobBusy(err):
		status = 409
	case errors.As(err, &validation):
		status = 400
	case errors.As(err, &notFound):
		status = 404
	}

	c.JSON(status, gin.H{"error": errors.GetPrintableMessage(err)})
}
