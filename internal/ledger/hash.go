package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// computeHash chains a posting to the previous posting of the same account.
func computeHash(t Transaction, prevHash []byte) []byte {
	buf := t.ID + "|" + t.AccountID + "|" + t.Delta.String() + "|" + t.BalanceAfter.String() + "|" +
		string(t.Type) + "|" + t.Ref.String() + "|" + t.CreatedBy + "|" + strconv.FormatInt(t.Seq, 10) + "|" +
		hex.EncodeToString(prevHash)
	sum := sha256.Sum256([]byte(buf))
	return sum[:]
}

// verifyChain checks postings given in seq order, starting at seq 1.
func verifyChain(txs []Transaction) (int64, bool) {
	var prev []byte
	for i, t := range txs {
		if t.Seq != int64(i+1) || !bytes.Equal(t.prevHash, prev) {
			return t.Seq, false
		}
		if !bytes.Equal(computeHash(t, prev), t.hash) {
			return t.Seq, false
		}
		prev = t.hash
	}
	return 0, true
}
