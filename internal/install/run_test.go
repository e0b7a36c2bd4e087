package install_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/zeshanziya/rhdh/internal/appconfig"
	"github.com/zeshanziya/rhdh/internal/config"
	"github.com/zeshanziya/rhdh/internal/fetch"
	"github.com/zeshanziya/rhdh/internal/install"
	"github.com/zeshanziya/rhdh/internal/installerr"
	"github.com/zeshanziya/rhdh/internal/lock"
	"github.com/zeshanziya/rhdh/internal/manifest"
	"github.com/zeshanziya/rhdh/internal/state"
)

// tgz builds a gzipped tarball of regular files.
func tgz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sha512Integrity(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

type packed struct {
	name string
	data []byte
}

// fakePackages serves npm pack from memory.
type fakePackages struct {
	archives map[string]packed
	calls    []string
}

func (f *fakePackages) Pack(_ context.Context, pkg, dir string) (string, error) {
	f.calls = append(f.calls, pkg)
	archive, ok := f.archives[pkg]
	if !ok {
		return "", installerr.Errorf("Error while installing plugin %s with 'npm pack' : E404", pkg)
	}
	path := filepath.Join(dir, archive.name)
	return path, os.WriteFile(path, archive.data, 0o644)
}

var _ fetch.PackageFetcher = (*fakePackages)(nil)

// fakeImages serves image layers from files and digests from memory.
type fakeImages struct {
	layers  map[string]string
	digests map[string]string
	pulls   []string
	inspect []string
}

func (f *fakeImages) Layer(_ context.Context, image string) (string, error) {
	f.pulls = append(f.pulls, image)
	layer, ok := f.layers[image]
	if !ok {
		return "", errors.New("manifest unknown")
	}
	return layer, nil
}

func (f *fakeImages) Digest(_ context.Context, image string) (string, error) {
	f.inspect = append(f.inspect, image)
	digest, ok := f.digests[image]
	if !ok {
		return "", errors.New("manifest unknown")
	}
	return digest, nil
}

type env struct {
	t        *testing.T
	root     string
	workdir  string
	packages *fakePackages
	images   *fakeImages
	settings *config.Settings
	opened   int
}

func newEnv(t *testing.T) *env {
	return &env{
		t:        t,
		root:     t.TempDir(),
		workdir:  t.TempDir(),
		packages: &fakePackages{archives: map[string]packed{}},
		images:   &fakeImages{layers: map[string]string{}, digests: map[string]string{}},
		settings: &config.Settings{MaxEntrySize: 1 << 20},
	}
}

func (e *env) manifest(content string) {
	e.t.Helper()
	require.NoError(e.t, os.WriteFile(filepath.Join(e.workdir, manifest.DefaultFileName), []byte(content), 0o644))
}

func (e *env) file(name, content string) {
	e.t.Helper()
	require.NoError(e.t, os.WriteFile(filepath.Join(e.workdir, name), []byte(content), 0o644))
}

// npmPackage registers pkg with the fake registry and returns its integrity.
func (e *env) npmPackage(pkg, name string) string {
	data := tgz(e.t, map[string]string{
		"package/package.json": `{"name":"` + name + `"}`,
		"package/dist/index.js": "module.exports = {}",
	})
	e.packages.archives[pkg] = packed{name: name + ".tgz", data: data}
	return sha512Integrity(data)
}

// imageLayer registers image with a layer holding the given plugin directories.
func (e *env) imageLayer(image, digest string, dirs ...string) {
	files := map[string]string{}
	for _, dir := range dirs {
		files[dir+"/package.json"] = `{"name":"` + dir + `"}`
	}
	path := filepath.Join(e.t.TempDir(), "layer.tar.gz")
	require.NoError(e.t, os.WriteFile(path, tgz(e.t, files), 0o644))
	e.images.layers[image] = path
	e.images.digests[image] = digest
}

func (e *env) run() (*install.Summary, error) {
	return install.Run(e.t.Context(), install.Options{
		Root:       e.root,
		Manifest:   manifest.DefaultFileName,
		WorkingDir: e.workdir,
		Settings:   e.settings,
		Packages:   e.packages,
		Images: func(context.Context) (fetch.ImageSource, error) {
			e.opened++
			return e.images, nil
		},
	})
}

func (e *env) globalConfig() map[string]any {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, appconfig.FileName))
	require.NoError(e.t, err)
	var cfg map[string]any
	require.NoError(e.t, yaml.Unmarshal(data, &cfg))
	return cfg
}

func actions(summary *install.Summary) map[string]install.Action {
	out := map[string]install.Action{}
	for _, r := range summary.Results {
		key := r.Package
		if key == "" {
			key = r.Directory
		}
		out[key] = r.Action
	}
	return out
}

func TestRunInstallsRegistryPackages(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	integrity := e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
	e.manifest(`
plugins:
  - package: plugin-a@1.0.0
    integrity: ` + integrity + `
    pluginConfig:
      dynamicPlugins:
        frontend:
          plugin-a: {}
`)

	summary, err := e.run()
	r.NoError(err)
	r.Equal([]install.Result{{
		Package:   "plugin-a@1.0.0",
		Kind:      "npm",
		Action:    install.ActionInstalled,
		Reason:    install.ReasonNotInstalled,
		Directory: "plugin-a-1.0.0",
	}}, summary.Results)

	r.FileExists(filepath.Join(e.root, "plugin-a-1.0.0", "package.json"))
	r.FileExists(filepath.Join(e.root, "plugin-a-1.0.0", "dist", "index.js"))
	r.FileExists(filepath.Join(e.root, "plugin-a-1.0.0", state.ConfigHashFile))
	r.NoFileExists(filepath.Join(e.root, "plugin-a-1.0.0.tgz"))
	r.NoFileExists(lock.Path(e.root))
	r.Equal(map[string]any{
		"dynamicPlugins": map[string]any{
			"rootDirectory": appconfig.DefaultRootDirectory,
			"frontend":      map[string]any{"plugin-a": map[string]any{}},
		},
	}, e.globalConfig())
	r.Zero(e.opened, "image source must not be opened without image plugins")

	summary, err = e.run()
	r.NoError(err)
	r.Equal(install.ActionSkipped, summary.Results[0].Action)
	r.Equal(install.ReasonAlreadyInstalled, summary.Results[0].Reason)
	r.Len(e.packages.calls, 1)
	r.Contains(e.globalConfig()["dynamicPlugins"], "frontend", "skipped plugins still contribute their config")
}

func TestRunForceDownload(t *testing.T) {
	for _, field := range []string{"pullPolicy: Always", "forceDownload: true"} {
		t.Run(field, func(t *testing.T) {
			e := newEnv(t)
			integrity := e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
			e.manifest(`
plugins:
  - package: plugin-a@1.0.0
    integrity: ` + integrity + `
    ` + field + `
`)
			_, err := e.run()
			require.NoError(t, err)
			summary, err := e.run()
			require.NoError(t, err)
			assert.Equal(t, install.ActionInstalled, summary.Results[0].Action)
			assert.Equal(t, install.ReasonForceDownload, summary.Results[0].Reason)
			assert.Len(t, e.packages.calls, 2)
		})
	}
}

func TestRunIntegrity(t *testing.T) {
	t.Run("missing integrity fails before fetching", func(t *testing.T) {
		e := newEnv(t)
		e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
		e.manifest("plugins:\n  - package: plugin-a@1.0.0\n")
		_, err := e.run()
		require.Error(t, err)
		assert.True(t, installerr.Is(err))
		assert.EqualError(t, err, "No integrity hash provided for Package plugin-a@1.0.0")
		assert.Empty(t, e.packages.calls)
		assert.NoFileExists(t, filepath.Join(e.root, appconfig.FileName))
		assert.NoFileExists(t, lock.Path(e.root))
	})

	t.Run("mismatch fails", func(t *testing.T) {
		e := newEnv(t)
		e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
		e.manifest("plugins:\n  - package: plugin-a@1.0.0\n    integrity: " + sha512Integrity([]byte("other")) + "\n")
		_, err := e.run()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match the provided integrity hash")
		assert.NoDirExists(t, filepath.Join(e.root, "plugin-a-1.0.0"))
	})

	t.Run("skip integrity check", func(t *testing.T) {
		e := newEnv(t)
		e.settings.SkipIntegrityCheck = true
		e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
		e.manifest("plugins:\n  - package: plugin-a@1.0.0\n")
		_, err := e.run()
		require.NoError(t, err)
		assert.DirExists(t, filepath.Join(e.root, "plugin-a-1.0.0"))
	})
}

func TestRunPrunesRemovedAndDisabledPlugins(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	a := e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
	b := e.npmPackage("plugin-b@1.0.0", "plugin-b-1.0.0")
	e.manifest(`
plugins:
  - package: plugin-a@1.0.0
    integrity: ` + a + `
  - package: plugin-b@1.0.0
    integrity: ` + b + `
`)
	_, err := e.run()
	r.NoError(err)
	r.DirExists(filepath.Join(e.root, "plugin-a-1.0.0"))
	r.DirExists(filepath.Join(e.root, "plugin-b-1.0.0"))

	e.manifest(`
plugins:
  - package: plugin-a@1.0.0
    integrity: ` + a + `
    disabled: true
`)
	summary, err := e.run()
	r.NoError(err)
	r.Equal(map[string]install.Action{
		"plugin-a@1.0.0": install.ActionDisabled,
		"plugin-a-1.0.0": install.ActionRemoved,
		"plugin-b-1.0.0": install.ActionRemoved,
	}, actions(summary))
	r.NoDirExists(filepath.Join(e.root, "plugin-a-1.0.0"))
	r.NoDirExists(filepath.Join(e.root, "plugin-b-1.0.0"))
}

func TestRunMergesIncludedAndMainDeclarations(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	e.settings.SkipIntegrityCheck = true
	e.npmPackage("pkg@2.0.0", "pkg-2.0.0")
	e.file("dynamic-plugins.default.yaml", "plugins:\n  - package: pkg@1.0.0\n    disabled: true\n")
	e.manifest("includes:\n  - dynamic-plugins.default.yaml\nplugins:\n  - package: pkg@2.0.0\n    disabled: false\n")

	summary, err := e.run()
	r.NoError(err)
	r.Equal([]string{"pkg@2.0.0"}, e.packages.calls)
	r.Equal(install.ActionInstalled, summary.Results[0].Action)
}

func TestRunWithoutManifest(t *testing.T) {
	for _, content := range []*string{nil, new(string)} {
		e := newEnv(t)
		if content != nil {
			e.manifest(*content)
		}
		summary, err := e.run()
		require.NoError(t, err)
		assert.Empty(t, summary.Results)
		data, err := os.ReadFile(filepath.Join(e.root, appconfig.FileName))
		require.NoError(t, err)
		assert.Empty(t, data)
	}
}

func TestRunConfigConflict(t *testing.T) {
	e := newEnv(t)
	e.settings.SkipIntegrityCheck = true
	e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
	e.npmPackage("plugin-b@1.0.0", "plugin-b-1.0.0")
	e.manifest(`
plugins:
  - package: plugin-a@1.0.0
    pluginConfig:
      app:
        title: a
  - package: plugin-b@1.0.0
    pluginConfig:
      app:
        title: b
`)
	_, err := e.run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config key 'app.title' defined differently for 2 dynamic plugins")
	assert.NoFileExists(t, filepath.Join(e.root, appconfig.FileName))
	assert.DirExists(t, filepath.Join(e.root, "plugin-a-1.0.0"), "already installed plugins stay")
}

func TestRunImagePlugins(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	image := "oci://quay.io/org/plugins:1.0.0"
	e.imageLayer(image, "digest-1", "backend", "frontend")
	e.manifest(`
plugins:
  - package: oci://quay.io/org/plugins:1.0.0!backend
  - package: oci://quay.io/org/plugins:1.0.0!frontend
`)

	summary, err := e.run()
	r.NoError(err)
	r.Equal(map[string]install.Action{
		"oci://quay.io/org/plugins:1.0.0!backend":  install.ActionInstalled,
		"oci://quay.io/org/plugins:1.0.0!frontend": install.ActionInstalled,
	}, actions(summary))
	r.Equal(1, e.opened)
	for _, dir := range []string{"backend", "frontend"} {
		r.FileExists(filepath.Join(e.root, dir, "package.json"))
		digest, err := state.ReadImageDigest(e.root, dir)
		r.NoError(err)
		r.Equal("digest-1", digest)
	}

	summary, err = e.run()
	r.NoError(err)
	for _, result := range summary.Results {
		r.Equal(install.ActionSkipped, result.Action)
		r.Equal(install.ReasonAlreadyInstalled, result.Reason)
	}
}

func TestRunImagePullAlways(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	image := "oci://quay.io/org/plugins:latest"
	e.imageLayer(image, "digest-1", "backend")
	e.manifest("plugins:\n  - package: oci://quay.io/org/plugins:latest!backend\n")

	_, err := e.run()
	r.NoError(err)
	pulls := len(e.images.pulls)

	summary, err := e.run()
	r.NoError(err)
	r.Equal(install.ActionSkipped, summary.Results[0].Action)
	r.Equal(install.ReasonDigestUnchanged, summary.Results[0].Reason)
	r.Len(e.images.pulls, pulls)

	e.images.digests[image] = "digest-2"
	summary, err = e.run()
	r.NoError(err)
	r.Equal(install.ActionInstalled, summary.Results[0].Action)
	r.Equal(install.ReasonDigestChanged, summary.Results[0].Reason)
	digest, err := state.ReadImageDigest(e.root, "backend")
	r.NoError(err)
	r.Equal("digest-2", digest)
}

func TestRunImageVersionBumpKeepsDirectory(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	e.imageLayer("oci://quay.io/org/plugins:1.0.0", "digest-1", "backend")
	e.imageLayer("oci://quay.io/org/plugins:1.1.0", "digest-2", "backend")

	e.manifest("plugins:\n  - package: oci://quay.io/org/plugins:1.0.0!backend\n")
	_, err := e.run()
	r.NoError(err)

	e.manifest("plugins:\n  - package: oci://quay.io/org/plugins:1.1.0!backend\n")
	summary, err := e.run()
	r.NoError(err)
	r.Equal(map[string]install.Action{
		"oci://quay.io/org/plugins:1.1.0!backend": install.ActionInstalled,
	}, actions(summary), "the previous hash of the same directory must not be pruned")
	r.FileExists(filepath.Join(e.root, "backend", "package.json"))
}

func TestRunImageMissingInnerPath(t *testing.T) {
	e := newEnv(t)
	e.imageLayer("oci://quay.io/org/plugins:1.0.0", "digest-1", "backend")
	e.manifest("plugins:\n  - package: oci://quay.io/org/plugins:1.0.0!frontend\n")
	_, err := e.run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin path frontend was not found in the image")
	assert.Contains(t, err.Error(), "backend")
}

func TestRunImageSourceUnavailable(t *testing.T) {
	e := newEnv(t)
	e.manifest("plugins:\n  - package: oci://quay.io/org/plugins:1.0.0!backend\n")
	_, err := install.Run(t.Context(), install.Options{
		Root:       e.root,
		Manifest:   manifest.DefaultFileName,
		WorkingDir: e.workdir,
		Settings:   e.settings,
		Packages:   e.packages,
		Images: func(context.Context) (fetch.ImageSource, error) {
			return nil, installerr.New("skopeo executable not found in PATH")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skopeo executable not found in PATH")
}

func TestRunReinstallKeepsDirectory(t *testing.T) {
	t.Run("changed declaration field", func(t *testing.T) {
		r := require.New(t)
		e := newEnv(t)
		integrity := e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
		e.manifest("plugins:\n  - package: plugin-a@1.0.0\n    integrity: " + integrity + "\n")
		_, err := e.run()
		r.NoError(err)

		e.manifest("plugins:\n  - package: plugin-a@1.0.0\n    integrity: " + integrity + "\n    forceDownload: false\n")
		summary, err := e.run()
		r.NoError(err)
		r.Equal([]install.Result{{
			Package:   "plugin-a@1.0.0",
			Kind:      "npm",
			Action:    install.ActionInstalled,
			Reason:    install.ReasonNotInstalled,
			Directory: "plugin-a-1.0.0",
		}}, summary.Results)
		r.FileExists(filepath.Join(e.root, "plugin-a-1.0.0", "package.json"))

		records, err := state.List(e.root)
		r.NoError(err)
		r.Len(records, 1)

		summary, err = e.run()
		r.NoError(err)
		r.Equal(install.ActionSkipped, summary.Results[0].Action)
	})

	t.Run("modified local package", func(t *testing.T) {
		r := require.New(t)
		e := newEnv(t)
		local := "./plugins/plugin-local"
		e.npmPackage(local, "plugin-local-1.0.0")
		r.NoError(os.MkdirAll(filepath.Join(e.workdir, "plugins", "plugin-local"), 0o755))
		e.file("plugins/plugin-local/package.json", `{"name":"plugin-local"}`)
		e.manifest("plugins:\n  - package: " + local + "\n    pluginConfig:\n      local: true\n")

		_, err := e.run()
		r.NoError(err)

		modified := time.Now().Add(time.Hour)
		r.NoError(os.Chtimes(filepath.Join(e.workdir, "plugins", "plugin-local", "package.json"), modified, modified))
		summary, err := e.run()
		r.NoError(err)
		r.Equal(map[string]install.Action{local: install.ActionInstalled}, actions(summary))
		r.FileExists(filepath.Join(e.root, "plugin-local-1.0.0", "package.json"))
		r.Equal(true, e.globalConfig()["local"])
		r.Len(e.packages.calls, 2)
	})
}

func TestRunImageRootInnerPathKeepsInstalledPlugins(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	integrity := e.npmPackage("plugin-a@1.0.0", "plugin-a-1.0.0")
	e.imageLayer("oci://quay.io/org/plugins:1.0.0", "digest-1", "backend")
	e.manifest("plugins:\n  - package: plugin-a@1.0.0\n    integrity: " + integrity + "\n")
	_, err := e.run()
	r.NoError(err)

	e.manifest("plugins:\n  - package: plugin-a@1.0.0\n    integrity: " + integrity +
		"\n  - package: oci://quay.io/org/plugins:1.0.0!.\n")
	_, err = e.run()
	r.Error(err)
	r.True(installerr.Is(err))
	r.Contains(err.Error(), "<inner-path> must name a directory inside the image")
	r.Empty(e.images.pulls)
	r.FileExists(filepath.Join(e.root, "plugin-a-1.0.0", "package.json"))
	r.FileExists(filepath.Join(e.root, appconfig.FileName), "the config of the previous run is kept")
}

func TestRunImageInheritedVersion(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	image := "oci://quay.io/org/plugins:1.0.0"
	pkg := image + "!backend"
	e.imageLayer(image, "digest-1", "backend")
	e.manifest("plugins:\n  - package: " + pkg + "\n    pluginConfig:\n      app:\n        title: first\n")
	_, err := e.run()
	r.NoError(err)
	pulls := len(e.images.pulls)

	e.file("dynamic-plugins.default.yaml", "plugins:\n  - package: "+pkg+"\n    pluginConfig:\n      app:\n        title: first\n")
	e.manifest(`
includes:
  - dynamic-plugins.default.yaml
plugins:
  - package: oci://quay.io/org/plugins:{{inherit}}!backend
    pluginConfig:
      app:
        title: second
`)
	summary, err := e.run()
	r.NoError(err)
	r.Equal([]install.Result{{
		Package: pkg,
		Kind:    "oci",
		Action:  install.ActionSkipped,
		Reason:  install.ReasonAlreadyInstalled,
	}}, summary.Results)
	r.Len(e.images.pulls, pulls, "an inherited version must not pull the image again")
	r.Equal(map[string]any{"title": "second"}, e.globalConfig()["app"])
	r.FileExists(filepath.Join(e.root, "backend", "package.json"))
}
