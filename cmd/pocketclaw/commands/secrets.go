package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
)

// newSecretsCmd creates `pocketclaw secrets` for managing the API key and
// other credentials outside config.yaml.
func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials in the encrypted vault or OS keyring",
		Long: `Store credentials outside config.yaml. The API key is looked up in
this order: encrypted vault (` + config.VaultFile + `), OS keyring,
$` + config.APIKeyEnv + ` / $OPENAI_API_KEY, then provider.api_key.

The vault password is read from $` + config.VaultPasswordEnv + ` or prompted.

Examples:
  pocketclaw secrets init
  pocketclaw secrets set api_key
  pocketclaw secrets set api_key --keyring
  pocketclaw secrets list`,
	}
	cmd.PersistentFlags().String("vault", config.VaultFile, "vault file")
	cmd.AddCommand(
		newSecretsInitCmd(),
		newSecretsSetCmd(),
		newSecretsDeleteCmd(),
		newSecretsListCmd(),
	)
	return cmd
}

func vaultPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("vault")
	return p
}

// vaultPassword reads the password from the environment or the terminal.
func vaultPassword(prompt string) (string, error) {
	if pw := os.Getenv(config.VaultPasswordEnv); pw != "" {
		return pw, nil
	}
	return config.ReadPassword(prompt)
}

// unlockVault opens an existing vault.
func unlockVault(cmd *cobra.Command) (*config.Vault, error) {
	v := config.NewVault(vaultPath(cmd))
	if !v.Exists() {
		return nil, fmt.Errorf("no vault at %s (run: pocketclaw secrets init)", v.Path())
	}
	pw, err := vaultPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := v.Unlock(pw); err != nil {
		return nil, err
	}
	return v, nil
}

func newSecretsInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the encrypted vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.NewVault(vaultPath(cmd))
			if v.Exists() {
				return fmt.Errorf("vault already exists at %s", v.Path())
			}
			pw, err := vaultPassword("New vault password: ")
			if err != nil {
				return err
			}
			if os.Getenv(config.VaultPasswordEnv) == "" {
				confirm, err := config.ReadPassword("Repeat password: ")
				if err != nil {
					return err
				}
				if confirm != pw {
					return errors.New("passwords do not match")
				}
			}
			if err := v.Create(pw); err != nil {
				return err
			}
			fmt.Printf("Vault created at %s.\n", v.Path())
			return nil
		},
	}
}

func newSecretsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret (prompts for the value when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := config.ReadPassword(fmt.Sprintf("Value for %s: ", name))
				if err != nil {
					return err
				}
				value = v
			}
			if value == "" {
				return errors.New("empty value")
			}

			if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
				if err := config.StoreKeyring(name, value); err != nil {
					return fmt.Errorf("storing in OS keyring: %w", err)
				}
				fmt.Printf("%s stored in the OS keyring (service %q).\n", name, config.KeyringService)
				return nil
			}

			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			if err := v.Set(name, value); err != nil {
				return err
			}
			fmt.Printf("%s stored in %s.\n", name, v.Path())
			return nil
		},
	}
	cmd.Flags().Bool("keyring", false, "store in the OS keyring instead of the vault")
	return cmd
}

func newSecretsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
				if err := config.DeleteKeyring(args[0]); err != nil {
					return fmt.Errorf("deleting from OS keyring: %w", err)
				}
				fmt.Printf("%s removed from the OS keyring.\n", args[0])
				return nil
			}
			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			if err := v.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s removed from %s.\n", args[0], v.Path())
			return nil
		},
	}
	cmd.Flags().Bool("keyring", false, "delete from the OS keyring instead of the vault")
	return cmd
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names stored in the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			keys, err := v.Keys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
}
