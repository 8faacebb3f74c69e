package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

// upload stores a blob in the server's sync storage, creates a push job
// distributing it, and triggers the first run. The "job" form field names
// the job and its destinations; mode and source are forced to the blob.
func (s *Server) upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a file is required"})
		return
	}

	jobSpec := c.PostForm("job")
	if jobSpec == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a job definition is required"})
		return
	}

	var job models.SyncJob
	if err := json.Unmarshal([]byte(jobSpec), &job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed job: " + err.Error()})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, errors.WithContext(err, "open upload"))
		return
	}
	defer src.Close()

	// Each upload gets its own directory so that re-uploads of the same
	// file name never clobber a blob an active run is still reading.
	blobPath := filepath.Join(s.storageDir, uuid.NewString(),
		filepath.Base(fileHeader.Filename))
	if err := s.storage.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		abortWithError(c, errors.WithContext(err, "make blob dir"))
		return
	}

	dst, err := s.storage.Create(blobPath)
	if err != nil {
		abortWithError(c, errors.WithContext(err, "create blob"))
		return
	}

	hash, size, err := transport.HashReader(io.TeeReader(src, dst))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		abortWithError(c, errors.WithContext(err, "store blob"))
		return
	}

	log.WithFields(log.Fields{
		"file": fileHeader.Filename,
		"size": size,
		"hash": hash,
	}).Info("Stored uploaded blob")

	job.Mode = models.ModePush
	job.SourceDeviceID = ""
	job.SourcePath = blobPath
	if job.Schedule == "" {
		job.Schedule = models.ScheduleManual
	}
	job.Enabled = true

	if err := s.store.CreateJob(&job); err != nil {
		if removeErr := s.storage.RemoveAll(filepath.Dir(blobPath)); removeErr != nil {
			log.WithError(removeErr).Warn("Failed to remove orphaned blob")
		}
		abortWithError(c, err)
		return
	}

	run, err := s.sched.Trigger(job.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job, "run": run})
}
