// Shield CLI - command-line interface for shielded accounts
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/app"
	"github.com/ccoin/shielded/internal/config"
)

const version = "0.1.0"

var (
	configPath  string
	keysPath    string
	accountName string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "shieldctl",
	Short:        "Shielded pool command-line interface",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shieldctl v%s\n", version)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "shield.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&keysPath, "keys", "", "account keys file")
	rootCmd.PersistentFlags().StringVar(&accountName, "account", "", "account name in the postgres accounts table")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return config.NewLogger(cfg.Log)
}

// openSession loads the config and the account and wires an App.
func openSession(ctx context.Context, opts app.Options) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	acc, err := app.LoadAccount(ctx, cfg, keysPath, accountName, logger)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, acc, opts, logger)
}

func printAccount(acc *account.Account) {
	enc := acc.EncryptionPublicKey()
	fmt.Printf("Address:        %s\n", acc.PublicKeyString())
	fmt.Printf("Public key:     %s\n", acc.PublicKey().Base58())
	fmt.Printf("Encryption key: %x\n", enc[:])
	if acc.IsBurner() {
		fmt.Println("Burner:         true")
	}
}
