package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/config"
)

func buildResolveCommand(configFile *string) *cobra.Command {
	var (
		dir     string
		noFuzzy bool
	)
	cmd := &cobra.Command{
		Use:   "resolve KEY...",
		Short: "Resolve asset identifiers the way the server would",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Catalog.Dir
			}
			cat := catalog.New(catalog.Options{
				Dir:        dir,
				Extensions: cfg.Catalog.Extensions,
				Fuzzy:      cfg.Catalog.FuzzyEnabled() && !noFuzzy,
			})

			out := cmd.OutOrStdout()
			missing := 0
			for _, key := range args {
				res, err := cat.Resolve(key)
				if errors.Is(err, catalog.ErrNotFound) {
					missing++
					fmt.Fprintf(out, "%s\tnot found\n", key)
					continue
				}
				if err != nil {
					return err
				}
				kind := "exact"
				if res.Fuzzy {
					kind = "fuzzy"
				}
				size := "?"
				if fi, err := os.Stat(res.Path); err == nil {
					size = humanize.IBytes(uint64(fi.Size()))
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", key, res.Name, kind, size)
			}
			if missing > 0 {
				return fmt.Errorf("resolve: %d of %d identifiers not found", missing, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "asset directory (default: catalog.dir from config)")
	cmd.Flags().BoolVar(&noFuzzy, "no-fuzzy", false, "disable approximate matching")
	return cmd
}
