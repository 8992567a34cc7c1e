package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis/internal/config"
	"github.com/aegisrun/aegis/internal/vault"
)

var secretsWorkspace string

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage connector credentials in the encrypted vault",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set [name] [value]",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE:  secretsSet,
}

var secretsGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Print a secret value",
	Args:  cobra.ExactArgs(1),
	RunE:  secretsGet,
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  secretsDelete,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names (values are never shown)",
	RunE:  secretsList,
}

func init() {
	secretsCmd.PersistentFlags().StringVar(&secretsWorkspace, "workspace", "default", "Workspace id")

	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsGetCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
	secretsCmd.AddCommand(secretsListCmd)
	rootCmd.AddCommand(secretsCmd)
}

func openVault() (vault.Provider, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	return vault.NewProvider(vault.Config{
		Backend:       cfg.VaultBackend,
		DBPath:        cfg.VaultDBPath(),
		EncryptionKey: cfg.VaultKey,
	})
}

func secretsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	provider, err := openVault()
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer provider.Close()

	if err := provider.SetSecret(ctx, secretsWorkspace, args[0], []byte(args[1])); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	fmt.Printf("Secret %s stored.\n", args[0])
	return nil
}

func secretsGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	provider, err := openVault()
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer provider.Close()

	value, err := provider.GetSecret(ctx, secretsWorkspace, args[0])
	if err != nil {
		return fmt.Errorf("reading secret: %w", err)
	}
	if value == nil {
		return fmt.Errorf("secret %s not found in workspace %s", args[0], secretsWorkspace)
	}
	fmt.Println(string(value))
	return nil
}

func secretsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	provider, err := openVault()
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer provider.Close()

	if err := provider.DeleteSecret(ctx, secretsWorkspace, args[0]); err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	fmt.Printf("Secret %s deleted.\n", args[0])
	return nil
}

func secretsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	provider, err := openVault()
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer provider.Close()

	metas, err := provider.ListSecrets(ctx, secretsWorkspace)
	if err != nil {
		return fmt.Errorf("listing secrets: %w", err)
	}
	if len(metas) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	renderSecretsList(os.Stdout, metas)
	return nil
}

// renderSecretsList writes secret metadata lines to w (testable).
func renderSecretsList(w io.Writer, metas []vault.SecretMetadata) {
	fmt.Fprintf(w, "Secrets (showing %d):\n\n", len(metas))
	for _, m := range metas {
		fmt.Fprintf(w, "%-32s updated %s\n", m.Name, m.UpdatedAt.Format(time.RFC3339))
	}
}
