package config

import (
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

const (
	// ServerConfigPath is the default path to the server config, relative
	// to the working directory the server starts in.
	ServerConfigPath = "fleetsync.yaml"

	// InitialServerConfigVersion is the first version of the server
	// config. Config files that do not specify a version will default to
	// this version.
	InitialServerConfigVersion = "v1alpha1"

	// SupportedServerConfigVersion is the supported version of the server
	// config of the current binary.
	SupportedServerConfigVersion = "v1alpha1"
)

// Server contains the server's runtime configuration.
type Server struct {
	Version string `json:"version,omitempty"`

	// ListenAddr is the host:port the API server binds.
	ListenAddr string `json:"listenAddr,omitempty"`

	// DataDir holds the job database and uploaded source blobs.
	DataDir string `json:"dataDir,omitempty"`

	// SchedulerIntervalSeconds overrides how often the scheduler
	// re-evaluates job schedules.
	SchedulerIntervalSeconds int `json:"schedulerIntervalSeconds,omitempty"`

	// TransferWorkers bounds concurrent file operations per destination.
	TransferWorkers int `json:"transferWorkers,omitempty"`

	// ProgressDeadlineMinutes is how long a destination may go without
	// completing an operation before it is marked failed for a run.
	ProgressDeadlineMinutes int `json:"progressDeadlineMinutes,omitempty"`

	// DeviceMounts maps device ids to the local directory where each
	// device's filesystem is mounted. Devices without a mount are
	// unreachable.
	DeviceMounts map[string]string `json:"deviceMounts,omitempty"`
}

func (s Server) getVersion() string {
	return s.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseServer parses the server config at `path`. A missing file isn't an
// error: every field has a default.
func ParseServer(path string) (Server, error) {
	config := Server{Version: InitialServerConfigVersion}
	if err := parseConfig(path, &config, SupportedServerConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return Server{}, errors.WithContext(err, "parse")
		}
	}

	if config.ListenAddr == "" {
		config.ListenAddr = ":9400"
	}
	if config.DataDir == "" {
		config.DataDir = "~/.fleetsync"
	}

	expanded, err := homedirExpand(config.DataDir)
	if err != nil {
		return Server{}, errors.WithContext(err, "expand data dir")
	}
	config.DataDir = expanded

	// Evaluate relative paths relative to the config path.
	if !filepath.IsAbs(config.DataDir) {
		config.DataDir = filepath.Join(filepath.Dir(path), config.DataDir)
	}
	return config, nil
}

// DatabasePath returns the location of the job database.
func (s Server) DatabasePath() string {
	return filepath.Join(s.DataDir, "fleetsync.db")
}

// StoragePath returns the directory holding uploaded source blobs.
func (s Server) StoragePath() string {
	return filepath.Join(s.DataDir, "storage")
}

// SchedulerInterval returns the configured tick period, or zero when the
// scheduler's default should be used.
func (s Server) SchedulerInterval() time.Duration {
	return time.Duration(s.SchedulerIntervalSeconds) * time.Second
}

// ProgressDeadline returns the configured per-destination progress
// deadline, or zero when the orchestrator's default should be used.
func (s Server) ProgressDeadline() time.Duration {
	return time.Duration(s.ProgressDeadlineMinutes) * time.Minute
}
