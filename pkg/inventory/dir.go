package inventory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/protocol"
	"github.com/lightsaber/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	manifestFile = "manifest.webapp"
	packageFile  = "application.zip"
	metadataFile = "metadata.yaml"

	maxManifestBytes = 1 << 20
)

type metadata struct {
	Owner  string `yaml:"owner,omitempty"`
	Source string `yaml:"source,omitempty"`
}

// DirInventory keeps one directory per app under Dir:
//
//	<dir>/<name>/manifest.webapp
//	<dir>/<name>/application.zip
//	<dir>/<name>/metadata.yaml   (optional owner)
type DirInventory struct {
	dir  string
	http *http.Client
}

// NewDirInventory creates the apps directory if needed.
func NewDirInventory(dir string, httpClient *http.Client) (*DirInventory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create apps dir: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DirInventory{dir: dir, http: httpClient}, nil
}

type installed struct {
	dir string
	app types.AppDescriptor
}

func (d *DirInventory) ListInstalled(ctx context.Context) ([]types.AppDescriptor, error) {
	found, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]types.AppDescriptor, len(found))
	for i, f := range found {
		apps[i] = f.app
	}
	return apps, nil
}

// scan loads every app directory in name order. Directories without a
// readable manifest are skipped.
func (d *DirInventory) scan(ctx context.Context) ([]installed, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	found := make([]installed, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		appDir := filepath.Join(d.dir, e.Name())
		app, err := d.load(appDir)
		if err != nil {
			logging.Debugf("[inventory] skipping %s: %v", e.Name(), err)
			continue
		}
		found = append(found, installed{dir: appDir, app: app})
	}
	return found, nil
}

func (d *DirInventory) find(ctx context.Context, name string) (installed, error) {
	name = protocol.TrimName(name)
	found, err := d.scan(ctx)
	if err != nil {
		return installed{}, err
	}
	for _, f := range found {
		if protocol.TrimName(f.app.Name()) == name {
			return f, nil
		}
	}
	return installed{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (d *DirInventory) load(appDir string) (types.AppDescriptor, error) {
	raw, err := os.ReadFile(filepath.Join(appDir, manifestFile))
	if err != nil {
		return types.AppDescriptor{}, err
	}
	m, err := protocol.DecodeManifest(raw)
	if err != nil {
		return types.AppDescriptor{}, err
	}

	var meta metadata
	if raw, err := os.ReadFile(filepath.Join(appDir, metadataFile)); err == nil {
		if err := yaml.Unmarshal(raw, &meta); err != nil {
			logging.Warnf("[inventory] bad metadata in %s: %v", appDir, err)
		}
	}
	return types.AppDescriptor{Manifest: m, Owner: meta.Owner}, nil
}

func (d *DirInventory) Lookup(ctx context.Context, name string) (types.AppDescriptor, error) {
	f, err := d.find(ctx, name)
	if err != nil {
		return types.AppDescriptor{}, err
	}
	return f.app, nil
}

func (d *DirInventory) Export(ctx context.Context, app types.AppDescriptor) (io.ReadCloser, error) {
	f, err := d.find(ctx, app.Name())
	if err != nil {
		return nil, err
	}
	pkg, err := os.Open(filepath.Join(f.dir, packageFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no package for %q", ErrNotFound, app.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	return pkg, nil
}

// Install fetches the app's manifest from the peer that advertised it,
// then the package the manifest points at, and stores both.
func (d *DirInventory) Install(ctx context.Context, app types.AppDescriptor) error {
	name := protocol.TrimName(app.Name())
	if name == "" {
		return fmt.Errorf("app has no name")
	}
	if app.URL == "" {
		return fmt.Errorf("app %q has no peer url", name)
	}
	base := strings.TrimRight(app.URL, "/")

	raw, err := d.get(ctx, base+protocol.FormatManifestPath(name), maxManifestBytes)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	manifest, err := protocol.DecodeManifest(raw)
	if err != nil {
		return err
	}

	packagePath := manifest.PackagePath()
	if packagePath == "" {
		packagePath = protocol.FormatDownloadPath(name)
	}
	packageURL, err := protocol.ResolvePackageURL(base, packagePath)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(d.dir, ".install-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := d.download(ctx, packageURL, filepath.Join(staging, packageFile)); err != nil {
		return fmt.Errorf("failed to fetch package: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), raw, 0o644); err != nil {
		return err
	}
	meta, err := yaml.Marshal(metadata{Owner: app.Owner, Source: base})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFile), meta, 0o644); err != nil {
		return err
	}

	target := d.appDir(name)
	if existing, err := d.find(ctx, name); err == nil && existing.dir != target {
		if err := os.RemoveAll(existing.dir); err != nil {
			return fmt.Errorf("failed to replace %s: %w", existing.dir, err)
		}
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("failed to install %s: %w", name, err)
	}

	logging.Logf("[inventory] installed app=%s from=%s", name, base)
	return nil
}

func (d *DirInventory) Render(apps []types.AppDescriptor) ([]byte, error) {
	return RenderCatalog(apps)
}

// appDir maps an app name to a directory name that cannot escape d.dir.
func (d *DirInventory) appDir(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, protocol.TrimName(name))
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return filepath.Join(d.dir, safe)
}

func (d *DirInventory) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	resp, err := d.request(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func (d *DirInventory) download(ctx context.Context, url, dst string) error {
	resp, err := d.request(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (d *DirInventory) request(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return resp, nil
}
