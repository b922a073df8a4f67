package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/app"
	"github.com/ccoin/shielded/internal/session"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/pkg/types"
)

var (
	mintAddr     string
	amount       uint64
	toAddr       string
	relayerAddr  string
	relayerFee   uint64
	payerSeedHex string
	acceptInbox  bool
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Sync and show balances per asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSession(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Session.Sync(cmd.Context())
		if err != nil {
			return err
		}
		mints := a.Session.Mints()
		if acceptInbox {
			for _, m := range mints {
				if n := a.Session.AcceptInbox(m); n > 0 {
					fmt.Printf("Accepted %d inbox records of %s\n", n, assetName(m))
				}
			}
		}

		fmt.Printf("Root: %s (%d leaves, %d new events)\n", report.Root.Base58(), a.Session.Replica().Size(), report.Events)
		if len(mints) == 0 {
			fmt.Println("  (no records)")
		}
		for _, m := range mints {
			total, spendable := a.Session.Balance(m)
			fmt.Printf("  %-44s total %d, spendable %d, inbox %d\n", assetName(m), total, spendable, a.Session.InboxBalance(m))
		}
		for _, w := range report.Warnings {
			fmt.Printf("  warning: %s: %v\n", w.Signature, w.Err)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Sync and show the account's transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSession(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.Session.Sync(cmd.Context()); err != nil {
			return err
		}

		history := a.Session.History()
		if len(history) == 0 {
			fmt.Println("No transactions.")
		}
		for _, h := range history {
			fmt.Printf("%s  %-10s  %s  +%d records, -%d records\n",
				time.Unix(h.BlockTime, 0).UTC().Format(time.RFC3339),
				h.Action, h.Signature, len(h.Created), len(h.Spent))
		}
		return nil
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Send a shielded transfer to another account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return spend(cmd, func(a *app.App, t *session.Transfer) error {
			recipient, err := account.FromPublicKey(a.Hasher, toAddr)
			if err != nil {
				return err
			}
			t.Recipient = recipient
			return nil
		})
	},
}

var decompressCmd = &cobra.Command{
	Use:   "decompress",
	Short: "Withdraw from the pool to a ledger account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return spend(cmd, func(a *app.App, t *session.Transfer) error {
			recipient, err := types.ParsePublicKey(toAddr)
			if err != nil {
				return err
			}
			t.RecipientPublic = recipient
			return nil
		})
	},
}

// spend syncs, prepares, proves and submits a transfer, then waits for
// confirmation.
func spend(cmd *cobra.Command, recipient func(*app.App, *session.Transfer) error) error {
	ctx := cmd.Context()
	payer, err := parseSigner(payerSeedHex)
	if err != nil {
		return err
	}
	a, err := openSession(ctx, app.Options{Prover: true})
	if err != nil {
		return err
	}
	defer a.Close()

	t := session.Transfer{Amount: amount, RelayerFee: relayerFee}
	if mintAddr != "" {
		if t.Mint, err = types.ParsePublicKey(mintAddr); err != nil {
			return err
		}
	}
	if relayerAddr != "" {
		if t.Relayer, err = types.ParsePublicKey(relayerAddr); err != nil {
			return err
		}
	}
	if err := recipient(a, &t); err != nil {
		return err
	}

	if _, err := a.Session.Sync(ctx); err != nil {
		return err
	}
	tx, err := a.Session.PrepareSpend(ctx, t)
	if err != nil {
		return err
	}
	fmt.Printf("Proving %d inputs, %d outputs...\n", len(tx.Inputs), len(tx.Outputs))
	if err := a.Session.Prove(ctx, tx); err != nil {
		a.Session.Release(tx)
		return err
	}
	sig, err := a.Session.Submit(ctx, tx, payer)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", sig)

	status, err := a.Session.Confirm(ctx, sig, submitter.StatusConfirmed)
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", status)
	return nil
}

func parseSigner(seedHex string) (*submitter.Ed25519Signer, error) {
	if seedHex == "" {
		return nil, fmt.Errorf("--payer-seed is required")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid payer seed: %w", err)
	}
	return submitter.NewEd25519Signer(seed)
}

func assetName(mint types.PublicKey) string {
	if mint.IsNative() {
		return "native"
	}
	return mint.String()
}

func init() {
	balanceCmd.Flags().BoolVar(&acceptInbox, "accept-inbox", false, "move inbox records into the balance")

	for _, c := range []*cobra.Command{transferCmd, decompressCmd} {
		c.Flags().StringVar(&mintAddr, "mint", "", "asset mint, native when empty")
		c.Flags().Uint64Var(&amount, "amount", 0, "amount in base units")
		c.Flags().StringVar(&relayerAddr, "relayer", "", "relayer account")
		c.Flags().Uint64Var(&relayerFee, "fee", 0, "relayer fee in native base units")
		c.Flags().StringVar(&payerSeedHex, "payer-seed", "", "hex ed25519 seed of the fee payer")
		c.MarkFlagRequired("amount")
	}
	transferCmd.Flags().StringVar(&toAddr, "to", "", "recipient address")
	transferCmd.MarkFlagRequired("to")
	decompressCmd.Flags().StringVar(&toAddr, "to", "", "ledger account credited")
	decompressCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(balanceCmd, historyCmd, transferCmd, decompressCmd)
}
