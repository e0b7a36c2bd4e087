package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeshanziya/rhdh/internal/flags/enum"
)

const (
	FlagFormat                = "format"
	FlagFormatShortHand       = "f"
	FlagFormatJSON            = "json"
	FlagFormatGoBuildInfo     = "gobuildinfo"
	FlagFormatGoBuildInfoJSON = "gobuildinfojson"
)

// BuildVersion overrides the module version detected from the Go build info.
// It is "n/a" unless set at build time with
//
//	-ldflags "-X github.com/zeshanziya/rhdh/cmd/version.BuildVersion=1.2.3"
//
// For the json format a semantic version is split into its components,
// any other string is reported as is.
var BuildVersion = "n/a"

// ReadBuildInfo is replaced in tests, binaries built without module support have no build info.
var ReadBuildInfo = debug.ReadBuildInfo

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Retrieve the build version of the installer",
		Long: fmt.Sprintf(`The version command retrieves the build version of the installer.

The default format is %[1]q, which splits the version into its semantic version components.
Prerelease versions of the form <date>-<commit> also report the build date and commit.

When the format is set to %[2]q, it outputs the Go build information as a string.
When the format is set to %[3]q, it outputs the same information as JSON.`,
			FlagFormatJSON, FlagFormatGoBuildInfo, FlagFormatGoBuildInfoJSON),
		Example: fmt.Sprintf(`  install-dynamic-plugins version --%s %s`, FlagFormat, FlagFormatGoBuildInfo),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := enum.Get(cmd.Flags(), FlagFormat)
			if err != nil {
				return err
			}
			info, ok := ReadBuildInfo()
			if !ok {
				return errors.New("no build info available")
			}
			if BuildVersion != "n/a" {
				info.Main.Version = BuildVersion
			}
			switch format {
			case FlagFormatJSON:
				return json.NewEncoder(cmd.OutOrStdout()).Encode(GetVersionInfo(info))
			case FlagFormatGoBuildInfo:
				_, err = io.Copy(cmd.OutOrStdout(), strings.NewReader(info.String()))
				return err
			case FlagFormatGoBuildInfoJSON:
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			default:
				return fmt.Errorf("unknown version format: %q", format)
			}
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}
	enum.VarP(cmd.Flags(), FlagFormat, FlagFormatShortHand, []string{FlagFormatJSON, FlagFormatGoBuildInfo, FlagFormatGoBuildInfoJSON}, "format of the version information")
	return cmd
}
