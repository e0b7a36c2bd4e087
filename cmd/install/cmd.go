package install

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	rhdhctx "github.com/zeshanziya/rhdh/internal/context"
	"github.com/zeshanziya/rhdh/internal/fetch"
	"github.com/zeshanziya/rhdh/internal/flags/enum"
	"github.com/zeshanziya/rhdh/internal/install"
	"github.com/zeshanziya/rhdh/internal/manifest"
)

const (
	FlagConfig       = "config"
	FlagImageBackend = "image-backend"
	FlagPlainHTTP    = "plain-http"
	FlagOutputFormat = "output-format"
	FlagNPM          = "npm"
)

const (
	ImageBackendSkopeo = "skopeo"
	ImageBackendOras   = "oras"
)

const (
	OutputFormatTable = "table"
	OutputFormatYAML  = "yaml"
	OutputFormatJSON  = "json"
)

// Exit is called with the exit code after the lock was released on a termination signal.
var Exit = os.Exit

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <dynamic-plugins-root>",
		Short: "Install the dynamic plugins declared in the manifest",
		Long: fmt.Sprintf(`Install the dynamic plugins declared in the manifest into the given root directory.

The manifest (%[1]q in the working directory unless --%[2]s is set) lists the plugins to
install and optionally includes other files with plugin lists. Declarations of the same plugin
in the main manifest override those of included files.

Registry packages are fetched with "npm pack" and verified against their integrity hash.
Image packages (oci://) are pulled with skopeo or, with --%[3]s=%[4]s, directly from the registry.

Plugins whose declaration did not change since the last run are not fetched again. Plugins that
are no longer declared, or are disabled, are removed. The merged plugin configuration is written
to app-config.dynamic-plugins.yaml in the root directory.

Environment:
  MAX_ENTRY_SIZE        largest accepted archive member in bytes (default 20000000)
  SKIP_INTEGRITY_CHECK  set to "true" to skip the integrity check of registry packages`,
			manifest.DefaultFileName, FlagConfig, FlagImageBackend, ImageBackendOras),
		Example: `  install-dynamic-plugins install /dynamic-plugins-root
  install-dynamic-plugins install /dynamic-plugins-root --image-backend oras --output-format yaml`,
		Args:              cobra.ExactArgs(1),
		RunE:              Run,
		DisableAutoGenTag: true,
	}
	RegisterFlags(cmd.Flags())
	return cmd
}

// RegisterFlags adds the install flags to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfig, manifest.DefaultFileName, "path of the dynamic plugins manifest")
	flags.String(FlagNPM, "npm", "npm executable used to fetch registry packages")
	enum.Var(flags, FlagImageBackend, []string{ImageBackendSkopeo, ImageBackendOras}, `how image plugins are fetched
   skopeo: copy images with the skopeo executable
   oras:   pull images in-process, credentials are read from the docker config`)
	flags.Bool(FlagPlainHTTP, false, "talk to registries over plain http (oras backend only)")
	enum.Var(flags, FlagOutputFormat, []string{OutputFormatTable, OutputFormatYAML, OutputFormatJSON}, "format of the installation summary")
}

// Run installs the plugins into the root directory named by args[0].
func Run(cmd *cobra.Command, args []string) (err error) {
	flags := cmd.Flags()
	manifestPath, err := flags.GetString(FlagConfig)
	if err != nil {
		return err
	}
	npmBinary, err := flags.GetString(FlagNPM)
	if err != nil {
		return err
	}
	backend, err := enum.Get(flags, FlagImageBackend)
	if err != nil {
		return err
	}
	plainHTTP, err := flags.GetBool(FlagPlainHTTP)
	if err != nil {
		return err
	}
	format, err := enum.Get(flags, FlagOutputFormat)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	state := rhdhctx.FromContext(ctx)
	if state == nil {
		return errors.New("command context is not set up")
	}

	staging, err := os.MkdirTemp(state.TempFolder(), "install-dynamic-plugins-")
	if err != nil {
		return fmt.Errorf("unable to create staging directory: %w", err)
	}
	defer func() {
		err = errors.Join(err, os.RemoveAll(staging))
	}()

	summary, err := install.Run(ctx, install.Options{
		Root:       args[0],
		Manifest:   manifestPath,
		WorkingDir: state.WorkingDirectory(),
		Settings:   state.Settings(),
		Packages: &fetch.NPM{
			Binary:     npmBinary,
			WorkingDir: state.WorkingDirectory(),
		},
		Images: func(context.Context) (fetch.ImageSource, error) {
			if backend == ImageBackendOras {
				return fetch.NewOras(staging, fetch.OrasOptions{PlainHTTP: plainHTTP})
			}
			return fetch.NewSkopeo(staging)
		},
		Exit: Exit,
	})
	if err != nil {
		return err
	}
	return encodeSummary(cmd.OutOrStdout(), format, summary)
}
