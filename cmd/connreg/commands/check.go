package commands

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
)

// NewCheckCommand creates the check command. It parses and validates
// the connection secret without opening any connections, so it is safe
// to run against production secrets from a shell.
func NewCheckCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the connection secret without connecting",
		Long: `Parse and validate the mounted connection secret.

No network connections are opened and no credentials are printed. The
exit code is non-zero if the secret is malformed or if any platform
block fails validation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := cfg.loadBundle()
			if err != nil {
				return err
			}

			shared, err := cfg.loadShared()
			if err != nil {
				return err
			}

			valid, failures, err := cfg.validateBundle(bundle, len(shared) > 0)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tTYPE\tSTATUS\tDETAIL")

			for _, pc := range valid {
				fmt.Fprintf(w, "%s\t%s\tok\t%d database(s)\n", pc.Name, pc.Kind, len(pc.Databases))
			}

			names := make([]string, 0, len(failures))
			for name := range failures {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				detail := failures[name].Error()
				var verr *regerrors.ValidationError
				if errors.As(failures[name], &verr) && len(verr.Violations) > 0 {
					detail = verr.Violations[0]
					if len(verr.Violations) > 1 {
						detail = fmt.Sprintf("%s (+%d more)", detail, len(verr.Violations)-1)
					}
				}
				fmt.Fprintf(w, "%s\t-\tinvalid\t%s\n", name, detail)
			}
			w.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "\nSummary: %d valid, %d invalid\n", len(valid), len(failures))

			if len(failures) > 0 {
				cmd.SilenceUsage = true
				return fmt.Errorf("%d platform(s) failed validation", len(failures))
			}
			if len(shared) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Note: no shared secret found; every platform must carry its own password")
			}
			return nil
		},
	}
	return cmd
}
