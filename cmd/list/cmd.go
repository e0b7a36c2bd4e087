package list

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/zeshanziya/rhdh/internal/flags/enum"
	"github.com/zeshanziya/rhdh/internal/state"
)

const FlagOutput = "output"

const (
	OutputFormatTable = "table"
	OutputFormatYAML  = "yaml"
	OutputFormatJSON  = "json"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <dynamic-plugins-root>",
		Short: "List the plugins installed in a dynamic plugins root",
		Long: `List the plugin directories of a dynamic plugins root that were created by install.

Every installed plugin directory carries the fingerprint of the declaration it was installed
from, and image plugins also carry the digest of the image they were extracted from.`,
		Example:           `  install-dynamic-plugins list /dynamic-plugins-root --output json`,
		Args:              cobra.ExactArgs(1),
		RunE:              Run,
		DisableAutoGenTag: true,
	}
	enum.Var(cmd.Flags(), FlagOutput, []string{OutputFormatTable, OutputFormatYAML, OutputFormatJSON}, "output format of the installed plugins")
	return cmd
}

func Run(cmd *cobra.Command, args []string) error {
	output, err := enum.Get(cmd.Flags(), FlagOutput)
	if err != nil {
		return err
	}
	records, err := state.List(args[0])
	if err != nil {
		return err
	}
	return encodeRecords(cmd.OutOrStdout(), output, records)
}

func encodeRecords(w io.Writer, output string, records []state.Record) error {
	if records == nil {
		records = []state.Record{}
	}
	var err error
	switch output {
	case OutputFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(records)
	case OutputFormatYAML:
		var data []byte
		if data, err = yaml.Marshal(records); err == nil {
			_, err = w.Write(data)
		}
	case OutputFormatTable:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.AppendHeader(table.Row{"Directory", "Config Hash", "Image Digest"})
		for _, r := range records {
			t.AppendRow(table.Row{r.Directory, r.ConfigHash, r.ImageDigest})
		}
		style := table.StyleLight
		style.Options.DrawBorder = false
		t.SetStyle(style)
		t.Render()
	default:
		err = fmt.Errorf("unknown output format: %q", output)
	}
	if err != nil {
		return fmt.Errorf("encoding installed plugins as %q failed: %w", output, err)
	}
	return nil
}
