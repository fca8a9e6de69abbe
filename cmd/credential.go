package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-assist/credential"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage secrets stored in the OS keyring",
	Long: "Secrets left empty in the config file are read from the OS keyring.\n" +
		"Valid keys: " + strings.Join(credential.Keys, ", "),
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret; the value is read from stdin when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", key)
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading value: %w", err)
			}
			value = strings.TrimRight(line, "\r\n")
		}
		if value == "" {
			return fmt.Errorf("refusing to store an empty value for %s", key)
		}

		if err := credential.Set(key, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", key)
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a secret from the keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := credential.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}
