// Command secretctl is the thin CLI client for secretd: it discovers a
// running daemon via its handshake file and issues bearer-authenticated
// requests against the loopback access server. It carries no business
// logic of its own, only argument parsing and dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var vaultDir string

	root := &cobra.Command{
		Use:   "secretctl",
		Short: "Talk to a running secretd over its loopback access server",
	}
	root.PersistentFlags().StringVar(&vaultDir, "dir", defaultVaultDir(), "vault directory secretd is serving")

	root.AddCommand(
		newListCmd(&vaultDir),
		newGetCmd(&vaultDir),
		newSetCmd(&vaultDir),
		newRunCmd(&vaultDir),
	)
	return root
}

func newListCmd(vaultDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every project and its secret count",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*vaultDir)
			if err != nil {
				return err
			}
			var projects []map[string]any
			if err := c.call("listProjects", nil, &projects); err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s\t%v secrets\n", p["name"], p["secretCount"])
			}
			return nil
		},
	}
}

func newGetCmd(vaultDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <project> <key>",
		Short: "Print one secret's current value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*vaultDir)
			if err != nil {
				return err
			}
			var secret struct {
				Value string `json:"value"`
			}
			err = c.call("getSecret", map[string]string{
				"projectName": args[0], "key": args[1],
			}, &secret)
			if err != nil {
				return err
			}
			fmt.Println(secret.Value)
			return nil
		},
	}
}

func newSetCmd(vaultDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <project> <key> <value>",
		Short: "Create or update a secret",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*vaultDir)
			if err != nil {
				return err
			}
			if err := c.call("setSecret", map[string]string{
				"projectName": args[0], "key": args[1], "value": args[2],
			}, nil); err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓ saved"))
			return nil
		},
	}
}

func newRunCmd(vaultDir *string) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "run -- <cmd> [args...]",
		Short: "Populate the child's environment from a project's secrets and run it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("run requires --project=<name>")
			}
			c, err := dial(*vaultDir)
			if err != nil {
				return err
			}
			var secrets map[string]struct {
				Value string `json:"value"`
			}
			if err := c.call("getAllSecrets", map[string]string{"projectName": project}, &secrets); err != nil {
				return err
			}
			return runChild(args, secrets)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project whose secrets populate the child environment")
	return cmd
}

func defaultVaultDir() string {
	if dir := os.Getenv("SECRETD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secretd"
	}
	return home + "/.secretd"
}
