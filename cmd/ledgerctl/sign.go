package main

import (
	"crypto/ecdsa"
	"fmt"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/crypto"
)

var actions = map[string]auth.Action{
	"settle":  auth.ActionSettle,
	"enqueue": auth.ActionEnqueue,
	"cancel":  auth.ActionCancel,
}

func parseAction(s string) (auth.Action, error) {
	a, ok := actions[s]
	if !ok {
		return 0, fmt.Errorf("unknown action %q (settle, enqueue or cancel)", s)
	}
	return a, nil
}

func signAuthorization(key *ecdsa.PrivateKey, domain auth.Domain, action auth.Action, dest ledger.AccountID, amount ledger.Amount, nonce, seq uint64, deadline int64) (*auth.Authorization, error) {
	a := &auth.Authorization{
		Domain:      domain,
		Action:      action,
		Caller:      crypto.PubkeyToAddress(key.PublicKey),
		Destination: dest,
		Amount:      amount,
		Nonce:       nonce,
		Deadline:    deadline,
		QueueSeq:    seq,
	}
	if err := a.Sign(key); err != nil {
		return nil, err
	}
	return a, nil
}
