package install

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"sigs.k8s.io/yaml"

	"github.com/zeshanziya/rhdh/internal/install"
)

func encodeSummary(w io.Writer, output string, summary *install.Summary) error {
	var err error
	switch output {
	case OutputFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(summary)
	case OutputFormatYAML:
		var data []byte
		if data, err = yaml.Marshal(summary); err == nil {
			_, err = w.Write(data)
		}
	case OutputFormatTable:
		encodeSummaryAsTable(w, summary)
	default:
		err = fmt.Errorf("unknown output format: %q", output)
	}
	if err != nil {
		return fmt.Errorf("encoding installation summary as %q failed: %w", output, err)
	}
	return nil
}

func encodeSummaryAsTable(w io.Writer, summary *install.Summary) {
	if len(summary.Results) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Package", "Kind", "Action", "Reason", "Directory"})
	for _, r := range summary.Results {
		t.AppendRow(table.Row{r.Package, r.Kind, r.Action, r.Reason, r.Directory})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, AutoMerge: true},
	})
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}
