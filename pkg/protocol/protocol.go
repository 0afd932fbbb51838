package protocol

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lightsaber/pkg/types"
)

const (
	PathCatalog  = "/"
	PathManifest = "/manifest.webapp"
	PathDownload = "/download"

	ParamApp = "app"

	ContentTypeCatalog  = "application/json"
	ContentTypeManifest = "application/x-web-app-manifest+json"
	ContentTypePackage  = "application/zip"

	// DefaultPort is the well-known port every peer serves its catalog on.
	DefaultPort = 8080
)

// InstallsFromAnywhere is the installs_allowed_from value that lifts origin
// restrictions.
var InstallsFromAnywhere = []string{"*"}

func TrimName(name string) string {
	return strings.TrimSpace(name)
}

// FormatDownloadPath returns the package path served for app name.
func FormatDownloadPath(name string) string {
	return PathDownload + "?" + ParamApp + "=" + url.QueryEscape(TrimName(name))
}

// FormatManifestPath returns the manifest path served for app name.
func FormatManifestPath(name string) string {
	return PathManifest + "?" + ParamApp + "=" + url.QueryEscape(TrimName(name))
}

// ParseAppParam extracts the app name from a request query.
func ParseAppParam(query url.Values) (name string, ok bool) {
	name = TrimName(query.Get(ParamApp))
	return name, name != ""
}

// RewriteManifest returns the manifest as served to peers: installable from
// anywhere, package fetched from this server's download route.
func RewriteManifest(m types.Manifest, name string) types.Manifest {
	out := m.Clone()
	out[types.ManifestInstallsAllowedFrom] = append([]string(nil), InstallsFromAnywhere...)
	out[types.ManifestPackagePath] = FormatDownloadPath(name)
	return out
}

// EncodeCatalog renders descriptors as the JSON array a catalog fetch
// expects.
func EncodeCatalog(apps []types.AppDescriptor) ([]byte, error) {
	if apps == nil {
		apps = []types.AppDescriptor{}
	}
	return json.Marshal(apps)
}

// DecodeCatalog parses a catalog body. The body must be a JSON array; each
// element must be an object carrying a manifest object.
func DecodeCatalog(body []byte) ([]types.AppDescriptor, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("catalog body is not a JSON array")
	}
	var apps []types.AppDescriptor
	if err := json.Unmarshal(trimmed, &apps); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i, app := range apps {
		if app.Manifest == nil {
			return nil, fmt.Errorf("catalog element %d has no manifest object", i)
		}
	}
	return apps, nil
}

// EncodeManifest renders a manifest document.
func EncodeManifest(m types.Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeManifest parses a manifest document.
func DecodeManifest(body []byte) (types.Manifest, error) {
	var m types.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("manifest is empty")
	}
	return m, nil
}

// ResolvePackageURL joins a peer base URL with a manifest package_path.
func ResolvePackageURL(base, packagePath string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid peer url %q: %w", base, err)
	}
	ref, err := url.Parse(packagePath)
	if err != nil {
		return "", fmt.Errorf("invalid package path %q: %w", packagePath, err)
	}
	return b.ResolveReference(ref).String(), nil
}
