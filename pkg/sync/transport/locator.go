package transport

import (
	"github.com/spf13/afero"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/models"
)

// StaticLocator resolves the server location directly, and device locations
// through a fixed map of locally mounted device roots. Deployments with a
// live device channel plug in their own Locator instead.
type StaticLocator struct {
	fs     afero.Fs
	mounts map[string]string
}

// NewStaticLocator returns a Locator over `fs`. `mounts` maps device ids to
// the directory each device's filesystem is mounted at.
func NewStaticLocator(fs afero.Fs, mounts map[string]string) *StaticLocator {
	return &StaticLocator{fs: fs, mounts: mounts}
}

// Locate implements Locator.
func (l *StaticLocator) Locate(location string) (Transport, error) {
	if location == models.LocationServer {
		return NewLocal(l.fs), nil
	}

	mount, ok := l.mounts[location]
	if !ok {
		return nil, errors.DestinationUnreachable{
			DeviceID: location,
			Err:      errors.New("no mount configured"),
		}
	}

	// Job paths on the device are interpreted relative to the mount.
	return NewLocal(afero.NewBasePathFs(l.fs, mount)), nil
}
