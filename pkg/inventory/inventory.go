// Package inventory is the local application store: what this device
// serves to peers and where apps downloaded from peers are installed.
package inventory

import (
	"context"
	"errors"
	"io"

	"github.com/lightsaber/pkg/protocol"
	"github.com/lightsaber/pkg/types"
)

// ErrNotFound is returned when no installed app has the requested name.
var ErrNotFound = errors.New("app not found")

// Inventory is the installed-application store.
type Inventory interface {
	ListInstalled(ctx context.Context) ([]types.AppDescriptor, error)
	// Lookup returns the first installed app whose manifest name matches.
	Lookup(ctx context.Context, name string) (types.AppDescriptor, error)
	// Export opens the app's package archive.
	Export(ctx context.Context, app types.AppDescriptor) (io.ReadCloser, error)
	// Install downloads app from the peer at app.URL.
	Install(ctx context.Context, app types.AppDescriptor) error
	// Render formats a catalog for GET /.
	Render(apps []types.AppDescriptor) ([]byte, error)
}

// RenderCatalog is the default catalog presentation: a JSON array of
// {manifest, owner} objects.
func RenderCatalog(apps []types.AppDescriptor) ([]byte, error) {
	out := make([]types.AppDescriptor, len(apps))
	for i, a := range apps {
		out[i] = types.AppDescriptor{Manifest: a.Manifest, Owner: a.Owner}
	}
	return protocol.EncodeCatalog(out)
}
