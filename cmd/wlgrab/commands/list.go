package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/wlgrab/internal/capture"
	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List compositor outputs",
	Long: `List the outputs the compositor advertises, with their logical
position and size in the global coordinate space.`,
	Example: `  # Table of outputs
  wlgrab list

  # Feed a picker
  wlgrab list --format json | jq -r '.[].name'`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listFormat, "format", "table", "listing format (table, json, or yaml)")
}

func runList(cmd *cobra.Command, args []string) error {
	initLogging()

	conn, err := wayland.Dial()
	if err != nil {
		return fmt.Errorf("connect to compositor: %w", err)
	}
	defer conn.Close()

	session := capture.NewSession(conn)
	if err := session.Discover(); err != nil {
		return err
	}
	outputs := session.Outputs()

	switch listFormat {
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tX\tY\tWIDTH\tHEIGHT")
		for _, o := range outputs {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				o.Name, o.Geometry.X, o.Geometry.Y, o.Geometry.Width, o.Geometry.Height)
		}
		return w.Flush()
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	case "yaml":
		data, err := yaml.Marshal(outputs)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	default:
		return fmt.Errorf("invalid listing format %q (valid: table, json, yaml)", listFormat)
	}
}
