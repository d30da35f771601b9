// Package commands implements the kerilog command line.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relves/kerilog/internal/storage/sqlite"
	"github.com/relves/kerilog/pkg/identifier"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

// Config is read from flags, KERILOG_* environment variables and an
// optional kerilog.yaml in the data directory, in that order of precedence.
type Config struct {
	DataDir        string        `mapstructure:"datadir"`
	Alias          string        `mapstructure:"alias"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ReceiptTimeout time.Duration `mapstructure:"receipt-timeout"`
}

type app struct {
	logger *slog.Logger
	cfg    Config
	stores *sqlite.StoreManager
}

// NewRootCmd returns the kerilog command tree.
func NewRootCmd(logger *slog.Logger) *cobra.Command {
	a := &app{logger: logger}

	cmd := &cobra.Command{
		Use:          "kerilog",
		Short:        "Manage KERI identifiers, witnesses and credential registries",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.stores == nil {
				return nil
			}
			return a.stores.CloseAll()
		},
	}

	cmd.PersistentFlags().String("datadir", "./data", "Directory for identities, keys and exports")
	cmd.PersistentFlags().String("alias", "", "Local name of the identifier to act as")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "Timeout for each request to an endpoint")
	cmd.PersistentFlags().Duration("receipt-timeout", 30*time.Second, "How long to wait for witness receipts")

	cmd.AddCommand(
		newInitCmd(a),
		newKelCmd(a),
		newRotateCmd(a),
		newTelCmd(a),
		newOOBICmd(a),
		newExnCmd(a),
		newExportCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("KERILOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// look for [datadir]/kerilog.yaml (.json, .toml also work)
	v.SetConfigName("kerilog")
	v.AddConfigPath(v.GetString("datadir"))
	if err := v.ReadInConfig(); err == nil {
		a.logger.Debug("using config file", "path", v.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	a.stores = sqlite.NewStoreManager(a.cfg.DataDir)
	return nil
}

func (a *app) alias() (string, error) {
	if a.cfg.Alias == "" {
		return "", fmt.Errorf("--alias is required")
	}
	return a.cfg.Alias, nil
}

func (a *app) keyPath(alias string) string {
	return filepath.Join(a.cfg.DataDir, "keys", alias+".json")
}

func (a *app) network() transport.Network {
	return transport.NewHTTPClient(transport.HTTPConfig{Timeout: a.cfg.Timeout, Logger: a.logger})
}

func (a *app) identifierConfig(alias string, keys *signing.KeyPair) (identifier.Config, error) {
	store, err := a.stores.GetStore(alias)
	if err != nil {
		return identifier.Config{}, err
	}
	return identifier.Config{
		Alias:    alias,
		Keys:     keys,
		Store:    store,
		Network:  a.network(),
		Receipts: witness.CollectorConfig{MaxElapsed: a.cfg.ReceiptTimeout},
		Logger:   a.logger,
	}, nil
}

// open loads the identifier named by --alias with its stored keys.
func (a *app) open(cmd *cobra.Command) (*identifier.Identifier, error) {
	alias, err := a.alias()
	if err != nil {
		return nil, err
	}
	path := a.keyPath(alias)
	keys, err := loadKeys(path)
	if err != nil {
		return nil, err
	}
	id, err := a.openWith(cmd, alias, keys)
	if !errors.Is(err, identifier.ErrKeyMismatch) {
		return id, err
	}

	// A rotation reached the log but its keys were never moved into place.
	pending := pendingKeyPath(path)
	rotated, perr := loadKeys(pending)
	if perr != nil {
		return nil, err
	}
	if id, err = a.openWith(cmd, alias, rotated); err != nil {
		return nil, err
	}
	if err := os.Rename(pending, path); err != nil {
		return nil, fmt.Errorf("recover rotated keys: %w", err)
	}
	a.logger.Warn("recovered keys of an interrupted rotation", "alias", alias)
	return id, nil
}

func (a *app) openWith(cmd *cobra.Command, alias string, keys *signing.KeyPair) (*identifier.Identifier, error) {
	cfg, err := a.identifierConfig(alias, keys)
	if err != nil {
		return nil, err
	}
	return identifier.Open(cmd.Context(), cfg)
}

// witness notifies the witnesses and waits for receipts, if there are any.
func (a *app) witness(cmd *cobra.Command, id *identifier.Identifier) error {
	st, err := id.State(cmd.Context())
	if err != nil {
		return err
	}
	if len(st.Witnesses) == 0 {
		return nil
	}
	set, err := id.Witness(cmd.Context())
	if err != nil {
		return fmt.Errorf("collect receipts: %w", err)
	}
	a.logger.Info("event witnessed", "prefix", id.Prefix(), "sn", st.Sn, "receipts", set.Count(), "threshold", set.Threshold())
	return nil
}

// parseLocation reads an endpoint given as eid@url.
func parseLocation(s string) (types.LocationScheme, error) {
	eid, raw, ok := strings.Cut(s, "@")
	if !ok {
		return types.LocationScheme{}, fmt.Errorf("location %q: want eid@url", s)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return types.LocationScheme{}, fmt.Errorf("location %q: %w", s, err)
	}
	loc := types.LocationScheme{EID: eid, Scheme: types.Scheme(u.Scheme), URL: raw}
	if err := loc.Validate(); err != nil {
		return types.LocationScheme{}, err
	}
	return loc, nil
}

func parseLocations(ss []string) ([]types.LocationScheme, error) {
	locs := make([]types.LocationScheme, 0, len(ss))
	for _, s := range ss {
		loc, err := parseLocation(s)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
