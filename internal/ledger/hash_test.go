package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"lv-escrow/internal/types"
)

func chain(n int) []Transaction {
	var (
		out  []Transaction
		prev []byte
	)
	balance := decimal.Zero
	for i := 1; i <= n; i++ {
		delta := decimal.NewFromInt(int64(i))
		balance = balance.Add(delta)
		t := Transaction{
			ID:           "tx-" + string(rune('a'+i)),
			AccountID:    "acct-1",
			Delta:        delta,
			BalanceAfter: balance,
			Type:         types.TransactionTypeDeposit,
			Ref:          types.NewRef(types.RefTypeManual, "seed"),
			CreatedBy:    "admin",
			Seq:          int64(i),
			prevHash:     prev,
		}
		t.hash = computeHash(t, prev)
		prev = t.hash
		out = append(out, t)
	}
	return out
}

func TestComputeHashDeterministic(t *testing.T) {
	txs := chain(1)
	assert.Equal(t, txs[0].hash, computeHash(txs[0], nil))
	assert.Len(t, txs[0].hash, 32)

	other := txs[0]
	other.Delta = decimal.RequireFromString("1.000000000000000001")
	assert.NotEqual(t, txs[0].hash, computeHash(other, nil))
}

func TestVerifyChain(t *testing.T) {
	txs := chain(4)
	_, ok := verifyChain(txs)
	assert.True(t, ok)

	tampered := chain(4)
	tampered[2].Delta = decimal.NewFromInt(100)
	seq, ok := verifyChain(tampered)
	assert.False(t, ok)
	assert.Equal(t, int64(3), seq)

	gap := chain(3)
	gap = append(gap[:1], gap[2:]...)
	_, ok = verifyChain(gap)
	assert.False(t, ok)
}

func TestUsable(t *testing.T) {
	a := Account{
		Balance:        decimal.RequireFromString("100.50"),
		BlockedBalance: decimal.RequireFromString("40.25"),
		MinBalance:     decimal.RequireFromString("10"),
	}
	assert.True(t, a.Usable().Equal(decimal.RequireFromString("50.25")))
}

func TestReconciliationBalanced(t *testing.T) {
	r := Reconciliation{
		Balance:     decimal.NewFromInt(10),
		SumOfDeltas: decimal.RequireFromString("10.000"),
		Blocked:     decimal.NewFromInt(3),
		HeldByRefs:  decimal.NewFromInt(3),
		ChainValid:  true,
	}
	assert.True(t, r.Balanced())
	r.HeldByRefs = decimal.NewFromInt(2)
	assert.False(t, r.Balanced())

	r.HeldByRefs = r.Blocked
	r.Usable = decimal.RequireFromString("-0.01")
	assert.False(t, r.Balanced(), "below floor")
}
