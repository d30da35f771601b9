package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relves/kerilog/pkg/identifier"
)

func newTelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tel",
		Short: "Manage the credential registry",
	}
	cmd.AddCommand(
		newTelInceptCmd(a),
		newTelIssueCmd(a),
		newTelRevokeCmd(a),
		newTelQueryCmd(a),
		newTelGetCmd(a),
	)
	return cmd
}

// publish witnesses the anchoring event and sends the registry log to the
// witnesses.
func (a *app) publish(cmd *cobra.Command, id *identifier.Identifier) error {
	if err := a.witness(cmd, id); err != nil {
		return err
	}
	st, err := id.State(cmd.Context())
	if err != nil {
		return err
	}
	if len(st.Witnesses) == 0 {
		return nil
	}
	report, err := id.PublishTEL(cmd.Context())
	if err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		a.logger.Warn("registry log not published to every witness", "error", err)
	}
	return nil
}

func newTelInceptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "incept",
		Short: "Create the identifier's credential registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			reg, err := id.InceptRegistry(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.publish(cmd, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

func newTelIssueCmd(a *app) *cobra.Command {
	var (
		schema string
		attrs  []string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]any, len(attrs))
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("attribute %q: want key=value", kv)
				}
				values[k] = v
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			cred, err := id.NewCredential(schema, values)
			if err != nil {
				return err
			}
			if _, err := id.Issue(cmd.Context(), cred); err != nil {
				return err
			}
			if err := a.publish(cmd, id); err != nil {
				return err
			}
			data, err := cred.Serialize()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "Schema identifier of the credential")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Credential attribute as key=value (repeatable)")
	cmd.MarkFlagRequired("schema")
	return cmd
}

func newTelRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <credential>",
		Short: "Revoke an issued credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			if _, err := id.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.publish(cmd, id)
		},
	}
}

func newTelQueryCmd(a *app) *cobra.Command {
	var (
		issuer, registry string
		via              []string
	)
	cmd := &cobra.Command{
		Use:   "query <credential>",
		Short: "Ask the issuer's witness for a credential's state",
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
			state, err := id.QueryTEL(cmd.Context(), issuer, registry, args[0], locs...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuer identifier")
	cmd.Flags().StringVar(&registry, "registry", "", "Registry identifier")
	cmd.Flags().StringArrayVar(&via, "via", nil, "Endpoint to ask as eid@url; defaults to own witnesses")
	cmd.MarkFlagRequired("issuer")
	cmd.MarkFlagRequired("registry")
	return cmd
}

func newTelGetCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the registry log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			data, err := id.TEL(cmd.Context())
			if err != nil {
				return err
			}
			if out != "" {
				return os.WriteFile(out, data, 0644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to file instead of stdout")
	return cmd
}
