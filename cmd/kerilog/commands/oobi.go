package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relves/kerilog/pkg/types"
)

func newOOBICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oobi",
		Short: "Resolve endpoints and publish end roles",
	}
	cmd.AddCommand(newOOBIResolveCmd(a), newOOBIAddRoleCmd(a))
	return cmd
}

func newOOBIResolveCmd(a *app) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "resolve <eid@url>",
		Short: "Resolve an endpoint, or a controller through its endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := types.ParseRole(role)
			if err != nil {
				return err
			}
			loc, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			rec, err := id.ResolveOOBI(cmd.Context(), loc, r)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVar(&role, "role", string(types.RoleWitness), "Role to resolve: witness, messagebox or watcher")
	return cmd
}

func newOOBIAddRoleCmd(a *app) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add-role <eid@url>",
		Short: "Name an endpoint as this identifier's messagebox or watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := types.ParseRole(role)
			if err != nil {
				return err
			}
			loc, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			rpy, err := id.AddEndRole(cmd.Context(), loc, r)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rpy)
		},
	}
	cmd.Flags().StringVar(&role, "role", string(types.RoleMessagebox), "Role to grant: messagebox or watcher")
	return cmd
}

func newExnCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exn",
		Short: "Exchange credentials through messageboxes",
	}
	cmd.AddCommand(newExnForwardCmd(a), newExnPullCmd(a))
	return cmd
}

func newExnForwardCmd(a *app) *cobra.Command {
	var credPath, recipient string
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward a credential to a recipient's messagebox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(credPath)
			if err != nil {
				return err
			}
			var cred types.Credential
			if err := cred.Deserialize(data); err != nil {
				return err
			}
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			exn, err := id.Forward(cmd.Context(), &cred, recipient)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), exn.Exchange.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&credPath, "credential", "", "File holding the credential JSON")
	cmd.Flags().StringVar(&recipient, "to", "", "Recipient identifier, resolved beforehand with oobi resolve --role messagebox")
	cmd.MarkFlagRequired("credential")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newExnPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Print credentials forwarded since the last pull",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.open(cmd)
			if err != nil {
				return err
			}
			creds, err := id.Pull(cmd.Context())
			if err != nil {
				return err
			}
			for i := range creds {
				data, err := creds[i].Serialize()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			}
			return nil
		},
	}
}
