package store

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"vaultlottery/internal/models"
)

// Identity balances and vault escrow live in separate buckets. A string
// that happens to equal a vault key names an ordinary, empty identity
// account and can never spend the escrow. An absent account holds zero.

// Balance returns the spendable balance of an identity.
func (t *Tx) Balance(id models.Identity) uint64 {
	return t.amount(balanceBucket, string(id))
}

// Credit adds amount to an identity.
func (t *Tx) Credit(id models.Identity, amount uint64) error {
	return t.credit(balanceBucket, string(id), amount)
}

// Debit removes amount from an identity.
func (t *Tx) Debit(id models.Identity, amount uint64) error {
	return t.debit(balanceBucket, string(id), amount)
}

// Transfer moves amount between two identities.
func (t *Tx) Transfer(from, to models.Identity, amount uint64) error {
	if err := t.Debit(from, amount); err != nil {
		return err
	}
	return t.Credit(to, amount)
}

// EscrowBalance returns the pooled deposits held by a vault.
func (t *Tx) EscrowBalance(vault models.Key) uint64 {
	return t.amount(escrowBucket, string(vault))
}

// Escrow moves amount from an identity into a vault's escrow.
func (t *Tx) Escrow(from models.Identity, vault models.Key, amount uint64) error {
	if err := t.Debit(from, amount); err != nil {
		return err
	}
	return t.credit(escrowBucket, string(vault), amount)
}

// Payout empties a vault's escrow into an identity and returns the amount
// paid.
func (t *Tx) Payout(vault models.Key, to models.Identity) (uint64, error) {
	amount := t.EscrowBalance(vault)
	if err := t.debit(escrowBucket, string(vault), amount); err != nil {
		return 0, err
	}
	if err := t.Credit(to, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (t *Tx) amount(bucket, account string) uint64 {
	raw := t.bucket(bucket).Get([]byte(account))
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (t *Tx) credit(bucket, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	sum, carry := bits.Add64(t.amount(bucket, account), amount, 0)
	if carry != 0 {
		return fmt.Errorf("credit %s: %w", account, ErrBalanceOverflow)
	}
	return t.setAmount(bucket, account, sum)
}

func (t *Tx) debit(bucket, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	bal := t.amount(bucket, account)
	if bal < amount {
		return fmt.Errorf("debit %d from %s holding %d: %w", amount, account, bal, ErrInsufficientFunds)
	}
	return t.setAmount(bucket, account, bal-amount)
}

func (t *Tx) setAmount(bucket, account string, amount uint64) error {
	b := t.bucket(bucket)
	if amount == 0 {
		return b.Delete([]byte(account))
	}
	return b.Put([]byte(account), u64(amount))
}
