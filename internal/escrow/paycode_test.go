package escrow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPaymentCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := newPaymentCode()
		require.NoError(t, err)
		require.Len(t, code, paymentCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(paymentCodeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)
}

func TestFingerprintIgnoresOrderAndScale(t *testing.T) {
	a := fingerprint([]AssignItem{{DepositID: "d1", Amount: dec("40")}, {DepositID: "d2", Amount: dec("30")}}, "dest")
	b := fingerprint([]AssignItem{{DepositID: "d2", Amount: dec("30.00")}, {DepositID: "d1", Amount: dec("40.0")}}, "dest")
	assert.Equal(t, a, b)

	c := fingerprint([]AssignItem{{DepositID: "d1", Amount: dec("41")}, {DepositID: "d2", Amount: dec("30")}}, "dest")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, fingerprint([]AssignItem{{DepositID: "d1", Amount: dec("40")}, {DepositID: "d2", Amount: dec("30")}}, "other"))
}
