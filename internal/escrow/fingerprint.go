package escrow

import (
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fingerprint identifies the content of an assign call independently of
// item order and decimal formatting.
func fingerprint(items []AssignItem, destinationID string) []byte {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.DepositID+"="+it.Amount.String())
	}
	sort.Strings(parts)
	sum := blake2b.Sum256([]byte(strings.Join(parts, ";") + "|" + destinationID))
	return sum[:]
}
