// Command ledgerctl is an operator and client CLI for the safeledger gRPC
// API. Commands that need an authorization sign it locally with --key.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/config"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/server"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

type cli struct {
	addr       string
	configPath string
	keyHex     string
	timeout    time.Duration
	ttl        time.Duration
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Talk to a safeledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.addr, "addr", envOr("SAFE_LEDGER_ADDR", "localhost:9090"), "gRPC address of the service")
	pf.StringVarP(&c.configPath, "config", "c", os.Getenv("SAFE_CONFIG"), "YAML config providing the signing domain")
	pf.StringVar(&c.keyHex, "key", os.Getenv("SAFE_KEY"), "hex secp256k1 private key of the caller")
	pf.DurationVar(&c.timeout, "timeout", 10*time.Second, "per-call timeout")
	pf.DurationVar(&c.ttl, "ttl", 5*time.Minute, "authorization lifetime, 0 for no deadline")

	root.AddCommand(
		c.keygenCmd(),
		c.signCmd(),
		c.depositCmd(),
		c.settleCmd(),
		c.enqueueCmd(),
		c.processCmd(),
		c.cancelCmd(),
		c.balanceCmd(),
		c.valueCmd(),
		c.priceCmd(),
		c.queueCmd(),
		c.operationCmd(),
		c.historyCmd(),
		c.journalCmd(),
		c.integrityCmd(),
		c.snapshotCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if reason := server.ErrorReason(err); reason != "" {
			fmt.Fprintf(os.Stderr, "reason: %s\n", reason)
		}
		os.Exit(1)
	}
}

// call dials the service and runs fn with a timeout context.
func (c *cli) call(cmd *cobra.Command, fn func(ctx context.Context, client *server.Client) (any, error)) error {
	client, err := server.Dial(c.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	resp, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func (c *cli) key() (*ecdsa.PrivateKey, ledger.AccountID, error) {
	if c.keyHex == "" {
		return nil, ledger.AccountID{}, fmt.Errorf("--key or SAFE_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.keyHex, "0x"))
	if err != nil {
		return nil, ledger.AccountID{}, fmt.Errorf("parse key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func (c *cli) domain() (auth.Domain, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return auth.Domain{}, err
	}
	return cfg.AuthDomain()
}

func (c *cli) deadline() int64 {
	if c.ttl <= 0 {
		return 0
	}
	return time.Now().Add(c.ttl).UnixMicro()
}

// authorize signs an authorization for the key's account. A negative nonce
// is resolved to the account's next unused nonce.
func (c *cli) authorize(ctx context.Context, client *server.Client, action auth.Action, dest ledger.AccountID, amount ledger.Amount, nonce int64, seq uint64) (*auth.Authorization, error) {
	key, caller, err := c.key()
	if err != nil {
		return nil, err
	}
	domain, err := c.domain()
	if err != nil {
		return nil, err
	}
	if nonce < 0 {
		view, err := client.Balance(ctx, &server.BalanceRequest{Account: caller})
		if err != nil {
			return nil, fmt.Errorf("look up nonce: %w", err)
		}
		nonce = int64(view.Nonce)
	}
	return signAuthorization(key, domain, action, dest, amount, uint64(nonce), seq, c.deadline())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
