package config

import (
	"testing"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func TestParseServer(t *testing.T) {
	path := "/etc/fleetsync/fleetsync.yaml"

	serverCorrectVersion := Server{
		Version:                 SupportedServerConfigVersion,
		ListenAddr:              ":8080",
		DataDir:                 "/var/lib/fleetsync",
		TransferWorkers:         8,
		ProgressDeadlineMinutes: 5,
	}
	serverIncorrectVersion := serverCorrectVersion
	serverIncorrectVersion.Version = "incorrect_version"

	correctVersionBytes, err := yaml.Marshal(serverCorrectVersion)
	assert.NoError(t, err)
	incorrectVersionBytes, err := yaml.Marshal(serverIncorrectVersion)
	assert.NoError(t, err)

	tests := []struct {
		name      string
		input     []byte
		expConfig Server
		expError  bool
	}{
		{
			name:      "full config",
			input:     correctVersionBytes,
			expConfig: serverCorrectVersion,
		},
		{
			name:  "empty version defaults to initial",
			input: []byte("listenAddr: \":8080\"\ndataDir: /var/lib/fleetsync\n"),
			expConfig: Server{
				Version:    InitialServerConfigVersion,
				ListenAddr: ":8080",
				DataDir:    "/var/lib/fleetsync",
			},
		},
		{
			name:     "incompatible version",
			input:    incorrectVersionBytes,
			expError: true,
		},
		{
			name:     "unknown fields",
			input:    []byte("version: v1alpha1\nbogusField: true\n"),
			expError: true,
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		assert.NoError(t, afero.WriteFile(fs, path, test.input, 0644))

		config, err := ParseServer(path)
		if test.expError {
			assert.Error(t, err, test.name)
			continue
		}
		assert.NoError(t, err, test.name)
		assert.Equal(t, test.expConfig, config, test.name)
	}
}

func TestParseServerDefaults(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) {
		return "/home/operator/.fleetsync", nil
	}

	// A missing config file yields a fully defaulted config.
	config, err := ParseServer("/etc/fleetsync/fleetsync.yaml")
	assert.NoError(t, err)
	assert.Equal(t, ":9400", config.ListenAddr)
	assert.Equal(t, "/home/operator/.fleetsync", config.DataDir)
}

func TestPathHelpers(t *testing.T) {
	config := Server{DataDir: "/var/lib/fleetsync"}
	assert.Equal(t, "/var/lib/fleetsync/fleetsync.db", config.DatabasePath())
	assert.Equal(t, "/var/lib/fleetsync/storage", config.StoragePath())
}
