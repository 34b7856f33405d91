package escrow

import (
	"crypto/rand"
	"math/big"
)

// No 0/O or 1/I.
const paymentCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const paymentCodeLength = 8

func newPaymentCode() (string, error) {
	max := big.NewInt(int64(len(paymentCodeAlphabet)))
	buf := make([]byte, paymentCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = paymentCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
