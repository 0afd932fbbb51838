package types

import (
	"strings"
	"time"
)

// Peer is a device visible on the local link. Address is opaque to the
// discovery core and only handed back to the link driver to connect.
type Peer struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	ConnectedTs time.Time `json:"connected_ts,omitempty"`
}

// AppType distinguishes packaged apps (binary export) from hosted ones.
type AppType string

const (
	AppTypePackaged AppType = "packaged"
	AppTypeHosted   AppType = "hosted"
)

// Manifest keys with meaning to the catalog protocol. Any other key is
// carried through untouched.
const (
	ManifestName                = "name"
	ManifestDescription         = "description"
	ManifestInstallsAllowedFrom = "installs_allowed_from"
	ManifestPackagePath         = "package_path"
)

// Manifest is an application manifest. It is kept as a generic document so
// that fields this service does not know about survive a round trip.
type Manifest map[string]any

// Name returns the manifest name, or "" when absent.
func (m Manifest) Name() string {
	return m.str(ManifestName)
}

func (m Manifest) Description() string {
	return m.str(ManifestDescription)
}

func (m Manifest) PackagePath() string {
	return m.str(ManifestPackagePath)
}

// InstallsAllowedFrom returns the origins allowed to install the app.
func (m Manifest) InstallsAllowedFrom() []string {
	raw, ok := m[ManifestInstallsAllowedFrom]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (m Manifest) str(key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Clone returns a shallow copy, enough to rewrite top-level keys without
// touching the installed app's manifest.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AppDescriptor describes one installable application. URL and Type are
// filled in when the descriptor is learned from a remote peer.
type AppDescriptor struct {
	Manifest Manifest `json:"manifest"`
	Owner    string   `json:"owner"`
	URL      string   `json:"url,omitempty"`
	Type     AppType  `json:"type,omitempty"`
}

// Name is a shortcut for Manifest.Name.
func (a AppDescriptor) Name() string {
	return a.Manifest.Name()
}
