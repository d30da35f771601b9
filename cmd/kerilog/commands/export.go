package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var outDir, carPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the identifier's logs and OOBI records as files and as a CAR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Join(a.cfg.DataDir, "export", id.Alias())
			}

			arts, err := id.Artifacts(cmd.Context())
			if err != nil {
				return err
			}
			for _, art := range arts {
				path := filepath.Join(outDir, filepath.FromSlash(art.Name))
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(path, art.Data, 0644); err != nil {
					return fmt.Errorf("write %s: %w", art.Name, err)
				}
			}

			data, root, err := id.Export(cmd.Context())
			if err != nil {
				return err
			}
			if carPath == "" {
				carPath = filepath.Join(outDir, id.Alias()+".car")
			}
			if err := os.WriteFile(carPath, data, 0644); err != nil {
				return fmt.Errorf("write CAR: %w", err)
			}
			a.logger.Info("export written", "dir", outDir, "car", carPath, "files", len(arts))
			fmt.Fprintln(cmd.OutOrStdout(), root)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default <datadir>/export/<alias>)")
	cmd.Flags().StringVar(&carPath, "car", "", "CAR output path (default <out>/<alias>.car)")
	return cmd
}
