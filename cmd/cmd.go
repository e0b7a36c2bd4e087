package cmd

import (
	"os"

	"github.com/spf13/cobra"

	rhdhcmd "github.com/zeshanziya/rhdh/cmd/internal/cmd"
	"github.com/zeshanziya/rhdh/cmd/install"
	"github.com/zeshanziya/rhdh/cmd/list"
	"github.com/zeshanziya/rhdh/cmd/setup/hooks"
	"github.com/zeshanziya/rhdh/cmd/version"
	"github.com/zeshanziya/rhdh/internal/flags/log"
)

// Execute runs the root command. This is called by main.main().
func Execute() {
	err := New().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install-dynamic-plugins [dynamic-plugins-root]",
		Short: "Install the dynamic plugins of a Backstage instance",
		Long: `install-dynamic-plugins installs the dynamic plugins declared in dynamic-plugins.yaml
  into a dynamic plugins root directory and writes the merged plugin configuration
  next to them.

  Called with a root directory and no sub-command it behaves like "install".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return install.Run(cmd, args)
		},
		PersistentPreRunE: hooks.PreRunE,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	install.RegisterFlags(cmd.Flags())
	cmd.PersistentFlags().String(rhdhcmd.TempFolderFlag, "", `Specify a custom temporary folder path for staged images.`)
	cmd.PersistentFlags().String(rhdhcmd.WorkingDirectoryFlag, "", `Specify a custom working directory path to resolve the manifest and local packages against.`)
	log.RegisterLoggingFlags(cmd.PersistentFlags())
	cmd.AddCommand(install.New())
	cmd.AddCommand(list.New())
	cmd.AddCommand(version.New())
	return cmd
}
