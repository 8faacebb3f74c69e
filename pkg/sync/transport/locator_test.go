package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
)

func TestStaticLocator(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs,
		"/mnt/d1/etc/app.conf", []byte("contents"), 0644))

	locator := NewStaticLocator(fs, map[string]string{"D1": "/mnt/d1"})

	_, err := locator.Locate(models.LocationServer)
	assert.NoError(t, err)

	// Device paths resolve under the mount.
	d1, err := locator.Locate("D1")
	require.NoError(t, err)
	info, isDir, err := d1.Stat(context.Background(), "/etc/app.conf")
	require.NoError(t, err)
	assert.False(t, isDir)
	assert.Equal(t, int64(8), info.Size)

	require.NoError(t, d1.WriteFile(context.Background(), "/var/new.txt",
		strings.NewReader("hi"), time.Unix(100, 0)))
	contents, err := afero.ReadFile(fs, "/mnt/d1/var/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(contents))

	_, err = locator.Locate("unknown")
	var unreachable errors.DestinationUnreachable
	assert.ErrorAs(t, err, &unreachable)
}
