package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relves/kerilog/pkg/identifier"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		witnesses []string
		threshold int
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Incept a new identifier under --alias",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alias, err := a.alias()
			if err != nil {
				return err
			}
			locs, err := parseLocations(witnesses)
			if err != nil {
				return err
			}
			path := a.keyPath(alias)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("keys for %s already exist at %s", alias, path)
			}

			keys, err := generateKeys()
			if err != nil {
				return err
			}
			if err := saveKeys(path, keys); err != nil {
				return err
			}
			cfg, err := a.identifierConfig(alias, keys)
			if err != nil {
				return err
			}
			id, err := identifier.Incept(cmd.Context(), cfg, identifier.InceptOptions{
				Witnesses:        locs,
				WitnessThreshold: threshold,
			})
			if err != nil {
				os.Remove(path)
				return err
			}
			if err := a.witness(cmd, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Prefix())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&witnesses, "witness", nil, "Witness location as eid@url (repeatable)")
	cmd.Flags().IntVar(&threshold, "witness-threshold", 0, "Number of witness receipts required")
	return cmd
}
