package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetsync/fleetsync/pkg/models"
)

func (s *Server) createJob(c *gin.Context) {
	var job models.SyncJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed job: " + err.Error()})
		return
	}

	if err := s.store.CreateJob(&job); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) updateJob(c *gin.Context) {
	var job models.SyncJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed job: " + err.Error()})
		return
	}
	job.ID = c.Param("id")

	if err := s.store.UpdateJob(&job); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.store.DeleteJob(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) triggerJob(c *gin.Context) {
	run, err := s.sched.Trigger(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c *gin.Context) {
	// 404 for unknown jobs rather than an empty history.
	if _, err := s.store.GetJob(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}

	runs, err := s.store.ListRuns(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.sched.Cancel(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listConflicts(c *gin.Context) {
	conflicts, err := s.store.ListConflicts(c.Query("jobId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflicts)
}

func (s *Server) clearConflicts(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
		return
	}

	if err := s.store.ClearConflicts(jobID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
