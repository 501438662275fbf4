package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/logger"
)

func newImportGeoCommand() *cobra.Command {
	var (
		source   string
		url      string
		provider string
		typ      string
	)
	cmd := &cobra.Command{
		Use:   "import-geo [file.csv]",
		Short: "Import geo ranges from a CSV file or a published feed",
		Long: `Imports cidr,country_code,country_name,provider,type rows from a CSV file, or a
plain or JSON range feed with --url. Re-importing a source replaces its ranges.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (url == "") {
				return fmt.Errorf("pass either a CSV file or --url")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Debug, cmd.ErrOrStderr())

			a, err := openApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var res geo.ImportResult
			if url != "" {
				res, err = a.geo.ImportFeed(cmd.Context(), url, provider, typ)
			} else {
				res, err = importCSVFile(cmd, a.geo, args[0], source)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: imported %d, skipped %d\n", res.Source, res.Imported, res.Skipped)
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "name of the import (default the file name)")
	cmd.Flags().StringVar(&url, "url", "", "download a range feed instead of reading a file")
	cmd.Flags().StringVar(&provider, "provider", "", "provider recorded for feed ranges")
	cmd.Flags().StringVar(&typ, "type", "", "network type recorded for feed ranges")
	return cmd
}

func importCSVFile(cmd *cobra.Command, table *geo.Table, path, source string) (geo.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return geo.ImportResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if source == "" {
		source = filepath.Base(path)
	}
	return table.ImportCSV(cmd.Context(), f, source)
}
