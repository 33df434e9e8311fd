package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/keyring"
)

func newNetworkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage mesh networks and their shared secrets",
	}
	cmd.AddCommand(newNetworkCreateCmd(a))
	cmd.AddCommand(newNetworkJoinCmd(a))
	cmd.AddCommand(newNetworkListCmd(a))
	cmd.AddCommand(newNetworkInviteCmd(a))
	return cmd
}

func newNetworkCreateCmd(a *app) *cobra.Command {
	var cipher string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a private network with a fresh secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.keyring()
			if err != nil {
				return err
			}
			n, err := k.Create(args[0], crypto.Suite(cipher))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created network %q (%s)\n", n.Name, n.Cipher)
			fmt.Fprintf(out, "invite: %s\n", keyring.Invite(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&cipher, "cipher", string(crypto.SuiteAESGCM), "aes-256-gcm or chacha20-poly1305")
	return cmd
}

func newNetworkJoinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <invite>",
		Short: "Add a network from an invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := keyring.ParseInvite(args[0])
			if err != nil {
				return err
			}
			k, err := a.keyring()
			if err != nil {
				return err
			}
			if err := k.Add(n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined network %q; run with --network %s\n", n.Name, n.Name)
			return nil
		},
	}
}

func newNetworkListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.keyring()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := k.List()
			if len(names) == 0 {
				fmt.Fprintln(out, "no networks; create one with: hushmesh network create <name>")
				return nil
			}
			for _, name := range names {
				n, _ := k.Get(name)
				marker := " "
				if name == a.cfg.Network.Name {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s (%s)\n", marker, n.Name, n.Cipher)
			}
			return nil
		},
	}
}

func newNetworkInviteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <name>",
		Short: "Print the invite for a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.keyring()
			if err != nil {
				return err
			}
			n, ok := k.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown network %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyring.Invite(n))
			return nil
		},
	}
}
