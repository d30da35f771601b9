package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relves/kerilog/internal/archive"
	"github.com/relves/kerilog/pkg/identifier"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

func newKelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kel",
		Short: "Read and fetch key event logs",
	}
	cmd.AddCommand(newKelGetCmd(a), newKelQueryCmd(a), newKelImportCmd(a))
	return cmd
}

func newKelGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the identifier's key event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			data, err := id.KEL(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newKelQueryCmd(a *app) *cobra.Command {
	var via []string
	cmd := &cobra.Command{
		Use:   "query <prefix>",
		Short: "Fetch another identifier's key event log from a witness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := parseLocations(via)
			if err != nil {
				return err
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			st, err := id.QueryKEL(cmd.Context(), args[0], locs...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringArrayVar(&via, "via", nil, "Endpoint to ask as eid@url; defaults to own witnesses")
	return cmd
}

func newKelImportCmd(a *app) *cobra.Command {
	var fromCAR bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Verify and store a key event log read from a file or an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if fromCAR {
				if data, err = kelFromArchive(cmd, data); err != nil {
					return err
				}
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			st, err := id.ImportKEL(cmd.Context(), data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&fromCAR, "car", false, "Read the log from a CAR written by export")
	return cmd
}

func kelFromArchive(cmd *cobra.Command, data []byte) ([]byte, error) {
	files, err := archive.Extract(cmd.Context(), data)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Name == "kel" {
			return f.Data, nil
		}
	}
	return nil, fmt.Errorf("%w: no kel in archive", archive.ErrInvalidArchive)
}

// rotationConfig is the YAML read by rotate. A next key is generated when
// new_next_seed (base64) is empty.
type rotationConfig struct {
	WitnessToAdd     []locationConfig `mapstructure:"witness_to_add"`
	WitnessToRemove  []string         `mapstructure:"witness_to_remove"`
	WitnessThreshold *int             `mapstructure:"witness_threshold"`
	NewNextSeed      string           `mapstructure:"new_next_seed"`
	NewNextThreshold int              `mapstructure:"new_next_threshold"`
}

type locationConfig struct {
	EID    string `mapstructure:"eid"`
	Scheme string `mapstructure:"scheme"`
	URL    string `mapstructure:"url"`
}

func loadRotationConfig(path string) (rotationConfig, error) {
	var rc rotationConfig
	if path == "" {
		return rc, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return rc, fmt.Errorf("read rotation config: %w", err)
	}
	if err := v.Unmarshal(&rc); err != nil {
		return rc, fmt.Errorf("decode rotation config: %w", err)
	}
	return rc, nil
}

func (rc rotationConfig) options() (identifier.RotateOptions, error) {
	if rc.NewNextThreshold > 1 {
		return identifier.RotateOptions{}, fmt.Errorf("new_next_threshold %d: only single-key identifiers are supported", rc.NewNextThreshold)
	}
	opts := identifier.RotateOptions{
		WitnessCut:       rc.WitnessToRemove,
		WitnessThreshold: rc.WitnessThreshold,
	}
	for _, l := range rc.WitnessToAdd {
		loc := types.LocationScheme{EID: l.EID, Scheme: types.Scheme(l.Scheme), URL: l.URL}
		if err := loc.Validate(); err != nil {
			return identifier.RotateOptions{}, err
		}
		opts.WitnessAdd = append(opts.WitnessAdd, loc)
	}
	if rc.NewNextSeed != "" {
		next, err := signerFromBase64(rc.NewNextSeed)
		if err != nil {
			return identifier.RotateOptions{}, fmt.Errorf("new_next_seed: %w", err)
		}
		opts.NextKey = next
	}
	return opts, nil
}

func signerFromBase64(s string) (*signing.Ed25519Signer, error) {
	seed, err := decodeSeed(s)
	if err != nil {
		return nil, err
	}
	return signing.FromSeed(seed)
}

func newRotateCmd(a *app) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate to the pre-committed key, optionally changing witnesses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRotationConfig(configPath)
			if err != nil {
				return err
			}
			opts, err := rc.options()
			if err != nil {
				return err
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			if opts.NextKey == nil {
				seed, err := signing.GenerateSeed()
				if err != nil {
					return err
				}
				if opts.NextKey, err = signing.FromSeed(seed); err != nil {
					return err
				}
			}
			rotated, err := id.Keys().Rotate(opts.NextKey)
			if err != nil {
				return err
			}
			// The next seed is on disk before the log commits to it.
			keyPath := a.keyPath(id.Alias())
			pending := pendingKeyPath(keyPath)
			if err := writeKeys(pending, rotated); err != nil {
				return err
			}
			st, err := id.Rotate(cmd.Context(), opts)
			if err != nil {
				os.Remove(pending)
				return err
			}
			if err := os.Rename(pending, keyPath); err != nil {
				return fmt.Errorf("keys rotated, new keys left in %s: %w", pending, err)
			}
			if err := a.witness(cmd, id); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Rotation config file (YAML)")
	return cmd
}
