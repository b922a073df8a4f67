package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/app"
	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/storage"
)

var (
	seedHex     string
	burnerIndex uint64
	outPath     string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account key operations",
}

var accountNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an account from a random seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		return deriveAndSave(seed, nil)
	},
}

var accountDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Derive an account from a hex seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return fmt.Errorf("invalid seed: %w", err)
		}
		return deriveAndSave(seed, nil)
	},
}

var accountBurnerCmd = &cobra.Command{
	Use:   "burner",
	Short: "Derive a one-time account from a hex seed and index",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return fmt.Errorf("invalid seed: %w", err)
		}
		return deriveAndSave(seed, &burnerIndex)
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the account's public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		acc, err := app.LoadAccount(cmd.Context(), cfg, keysPath, accountName, nil)
		if err != nil {
			return err
		}
		printAccount(acc)
		return nil
	},
}

var accountStoreCmd = &cobra.Command{
	Use:   "store <name>",
	Short: "Store the keys file's account in the postgres accounts table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if keysPath == "" {
			return fmt.Errorf("--keys is required")
		}
		acc, err := app.LoadAccount(cmd.Context(), cfg, keysPath, "", nil)
		if err != nil {
			return err
		}
		tree, err := cfg.TreeID()
		if err != nil {
			return err
		}
		store, err := storage.NewPostgresStore(cmd.Context(), cfg.Storage.Postgres, tree, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		if err := store.SaveAccount(cmd.Context(), args[0], acc); err != nil {
			return err
		}
		fmt.Printf("Stored account %s\n", args[0])
		return nil
	},
}

func deriveAndSave(seed []byte, index *uint64) error {
	h := config.Default().NewHasher()
	if cfg, err := loadConfig(); err == nil {
		h = cfg.NewHasher()
	}

	var acc *account.Account
	var err error
	if index != nil {
		acc, err = account.DeriveBurner(h, seed, *index)
	} else {
		acc, err = account.DeriveAccount(h, seed)
	}
	if err != nil {
		return err
	}
	printAccount(acc)

	if outPath == "" {
		return nil
	}
	if err := app.SaveKeys(outPath, acc); err != nil {
		return err
	}
	fmt.Printf("Keys written to %s\n", outPath)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{accountNewCmd, accountDeriveCmd, accountBurnerCmd} {
		c.Flags().StringVar(&outPath, "out", "", "write the keys to this file")
	}
	for _, c := range []*cobra.Command{accountDeriveCmd, accountBurnerCmd} {
		c.Flags().StringVar(&seedHex, "seed", "", "hex seed, at least 32 bytes")
		c.MarkFlagRequired("seed")
	}
	accountBurnerCmd.Flags().Uint64Var(&burnerIndex, "index", 0, "burner index")

	accountCmd.AddCommand(accountNewCmd, accountDeriveCmd, accountBurnerCmd, accountShowCmd, accountStoreCmd)
	rootCmd.AddCommand(accountCmd)
}
