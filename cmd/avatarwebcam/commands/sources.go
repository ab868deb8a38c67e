package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tatsu020/AvatarWebcam/internal/config"
	"github.com/tatsu020/AvatarWebcam/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available senders",
	Long: `List the shared-texture senders currently visible to the bridge.

Senders whose name contains the configured marker are eligible for auto
discovery and flagged in the output.`,
	Example: `  # List senders in table format (default)
  avatarwebcam sources

  # List senders in JSON format
  avatarwebcam sources --format json`,
	RunE: runSources,
}

var sourcesFormat string

func init() {
	rootCmd.AddCommand(sourcesCmd)

	sourcesCmd.Flags().StringVarP(&sourcesFormat, "format", "f", "table", "output format (table or json)")
}

func runSources(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	marker := configMgr.Get().SourceMarker

	prov, err := source.OpenX11()
	if err != nil {
		return fmt.Errorf("failed to open source context: %w", err)
	}
	defer prov.Close()

	names, err := prov.List()
	if err != nil {
		return fmt.Errorf("failed to list senders: %w", err)
	}

	switch sourcesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(names)
	case "table":
		if len(names) == 0 {
			fmt.Println("No senders found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tAUTO")
		for _, name := range names {
			auto := ""
			if marker != "" && strings.Contains(name, marker) {
				auto = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\n", name, auto)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", sourcesFormat)
	}
}
