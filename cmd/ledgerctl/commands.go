package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/server"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// transferFlags are shared by settle, enqueue and sign.
type transferFlags struct {
	to     string
	amount string
	nonce  int64
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.to, "to", "", "destination account")
	cmd.Flags().StringVar(&f.amount, "amount", "", "amount in base units")
	cmd.Flags().Int64Var(&f.nonce, "nonce", -1, "authorization nonce, default the account's next nonce")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
}

func (f *transferFlags) parse() (ledger.AccountID, ledger.Amount, error) {
	dest, err := ledger.ParseAccountID(f.to)
	if err != nil {
		return ledger.AccountID{}, ledger.Amount{}, err
	}
	amount, err := ledger.ParseAmount(f.amount)
	if err != nil {
		return ledger.AccountID{}, ledger.Amount{}, err
	}
	return dest, amount, nil
}

func accountArg(args []string) (ledger.AccountID, error) {
	return ledger.ParseAccountID(args[0])
}

func (c *cli) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a caller key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), keyPair(key))
		},
	}
}

func keyPair(key *ecdsa.PrivateKey) map[string]string {
	return map[string]string{
		"address":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"private_key": hex.EncodeToString(crypto.FromECDSA(key)),
	}
}

func (c *cli) signCmd() *cobra.Command {
	var (
		f   transferFlags
		seq uint64
	)
	cmd := &cobra.Command{
		Use:   "sign <settle|enqueue|cancel>",
		Short: "Sign an authorization offline and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := parseAction(args[0])
			if err != nil {
				return err
			}
			if f.nonce < 0 {
				return fmt.Errorf("--nonce is required when signing offline")
			}
			dest, amount, err := f.parse()
			if err != nil {
				return err
			}
			key, _, err := c.key()
			if err != nil {
				return err
			}
			domain, err := c.domain()
			if err != nil {
				return err
			}
			a, err := signAuthorization(key, domain, action, dest, amount, uint64(f.nonce), seq, c.deadline())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
	f.register(cmd)
	cmd.Flags().Uint64Var(&seq, "seq", 0, "queue entry (cancel only)")
	return cmd
}

func (c *cli) depositCmd() *cobra.Command {
	var id, account, amount string
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit an account for an observed deposit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct, err := ledger.ParseAccountID(account)
			if err != nil {
				return err
			}
			amt, err := ledger.ParseAmount(amount)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.Deposit(ctx, &server.DepositRequest{DepositID: id, Account: acct, Amount: amt})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "external deposit id, used for deduplication")
	cmd.Flags().StringVar(&account, "account", "", "account to credit")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	cmd.MarkFlagRequired("account")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func (c *cli) settleCmd() *cobra.Command {
	var (
		f      transferFlags
		budget int64
	)
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Withdraw from the key's account to a destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest, amount, err := f.parse()
			if err != nil {
				return err
			}
			_, caller, err := c.key()
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				a, err := c.authorize(ctx, client, auth.ActionSettle, dest, amount, f.nonce, 0)
				if err != nil {
					return nil, err
				}
				return client.Settle(ctx, &server.SettleRequest{
					Account: caller, Amount: amount, Authorization: a, BudgetMillis: budget,
				})
			})
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&budget, "budget-ms", 0, "transfer budget in milliseconds, 0 for the service default")
	return cmd
}

func (c *cli) enqueueCmd() *cobra.Command {
	var f transferFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a payout from the key's account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest, amount, err := f.parse()
			if err != nil {
				return err
			}
			_, caller, err := c.key()
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				a, err := c.authorize(ctx, client, auth.ActionEnqueue, dest, amount, f.nonce, 0)
				if err != nil {
					return nil, err
				}
				return client.Enqueue(ctx, &server.EnqueueRequest{Account: caller, Amount: amount, Authorization: a})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) processCmd() *cobra.Command {
	var seq uint64
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Pay the entry at the head of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.ProcessNext(ctx, &server.ProcessRequest{Seq: seq})
			})
		},
	}
	cmd.Flags().Uint64Var(&seq, "seq", 0, "expected head entry; rejected if it is not the head")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	var nonce int64
	cmd := &cobra.Command{
		Use:   "cancel <seq>",
		Short: "Cancel one of the key's pending queue entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid seq %q", args[0])
			}
			_, caller, err := c.key()
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				page, err := client.QueueStatus(ctx, &server.QueueStatusRequest{From: seq, Limit: 1})
				if err != nil {
					return nil, err
				}
				if len(page.Entries) == 0 || page.Entries[0].Seq != seq {
					return nil, fmt.Errorf("no queue entry %d", seq)
				}
				entry := page.Entries[0]
				a, err := c.authorize(ctx, client, auth.ActionCancel, entry.Destination, entry.Amount, nonce, seq)
				if err != nil {
					return nil, err
				}
				return client.Cancel(ctx, &server.CancelRequest{Account: caller, Seq: seq, Authorization: a})
			})
		},
	}
	cmd.Flags().Int64Var(&nonce, "nonce", -1, "authorization nonce, default the account's next nonce")
	return cmd
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's live balance, shares and nonce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := accountArg(args)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.Balance(ctx, &server.BalanceRequest{Account: acct})
			})
		},
	}
}

func (c *cli) valueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "value <account>",
		Short: "Price an account's balance through the oracle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := accountArg(args)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.Value(ctx, &server.BalanceRequest{Account: acct})
			})
		},
	}
}

func (c *cli) priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Show the pool share price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.SharePrice(ctx, &server.SharePriceRequest{})
			})
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	var req server.QueueStatusRequest
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queue entries from the head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.QueueStatus(ctx, &req)
			})
		},
	}
	cmd.Flags().Uint64Var(&req.From, "from", 0, "first entry, default the head")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "entries to list")
	return cmd
}

func (c *cli) operationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operation <id>",
		Short: "Show a settlement or payout operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.Operation(ctx, &server.OperationRequest{ID: args[0]})
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "history <account>",
		Short: "List an account's operations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := accountArg(args)
			if err != nil {
				return err
			}
			req := &server.HistoryRequest{Account: acct, Limit: limit}
			if cmd.Flags().Changed("before") {
				req.Before = &before
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.History(ctx, req)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "operations per page")
	cmd.Flags().Int64Var(&before, "before", 0, "cursor: created_us of the last row of the previous page")
	return cmd
}

func (c *cli) journalCmd() *cobra.Command {
	var (
		limit  int
		before uint64
	)
	cmd := &cobra.Command{
		Use:   "journal <account>",
		Short: "List an account's journal entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := accountArg(args)
			if err != nil {
				return err
			}
			req := &server.JournalRequest{Account: acct, Limit: limit}
			if cmd.Flags().Changed("before-sequence") {
				req.BeforeSequence = &before
			}
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.Journal(ctx, req)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "entries per page")
	cmd.Flags().Uint64Var(&before, "before-sequence", 0, "cursor: sequence of the last row of the previous page")
	return cmd
}

func (c *cli) integrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Check the durable journal's balance and hash invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.VerifyIntegrity(ctx, &server.IntegrityRequest{})
			})
		},
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take a snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.Client) (any, error) {
				return client.TakeSnapshot(ctx, &server.SnapshotRequest{})
			})
		},
	}
}
