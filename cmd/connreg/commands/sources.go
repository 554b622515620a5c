package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewSourcesCommand creates the sources command, listing the platforms
// the secret declares. Like check, it never connects anywhere.
func NewSourcesCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the platforms declared in the connection secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := cfg.loadBundle()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tTYPE\tADDRESS\tDATABASES")
			for _, pc := range bundle.Platforms() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", pc.Name, pc.Kind, pc.Addr(), len(pc.Databases))
			}
			w.Flush()

			if problems := bundle.Problems(); len(problems) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d platform block(s) did not parse; run `connreg check` for details\n", len(problems))
			}
			return nil
		},
	}
	return cmd
}
