package destinations

import (
	"strings"
	"unicode"
)

// Kind groups destination types by how their value is shaped.
type Kind string

const (
	KindCard   Kind = "card"
	KindWallet Kind = "wallet"
	KindEmail  Kind = "email"
)

type Type struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  Kind   `json:"kind"`
}

var typeCatalog = []Type{
	{ID: "humo", Title: "HUMO", Kind: KindCard},
	{ID: "uzcard", Title: "Uzcard", Kind: KindCard},
	{ID: "visa_sum", Title: "VISA SUM", Kind: KindCard},
	{ID: "visa_usd", Title: "VISA USD", Kind: KindCard},
	{ID: "mastercard", Title: "Mastercard", Kind: KindCard},
	{ID: "paypal", Title: "PayPal", Kind: KindEmail},
	{ID: "ton", Title: "TON", Kind: KindWallet},
	{ID: "usdt", Title: "USDT", Kind: KindWallet},
	{ID: "btc", Title: "BTC", Kind: KindWallet},
}

func Types() []Type {
	return append([]Type(nil), typeCatalog...)
}

func lookup(id string) (Type, bool) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	for _, t := range typeCatalog {
		if t.ID == normalized {
			return t, true
		}
	}
	return Type{}, false
}

func TitleByType(id string) string {
	if t, ok := lookup(id); ok {
		return t.Title
	}
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(normalized, "_", " "))
}

// normalize strips formatting from a value of the given kind and reports
// whether the result is acceptable.
func normalize(kind Kind, value string) (string, bool) {
	value = strings.TrimSpace(value)
	switch kind {
	case KindCard:
		digits := strings.Map(func(r rune) rune {
			if r == ' ' || r == '-' {
				return -1
			}
			return r
		}, value)
		if len(digits) < 12 || len(digits) > 19 {
			return "", false
		}
		for _, r := range digits {
			if !unicode.IsDigit(r) {
				return "", false
			}
		}
		return digits, true
	case KindEmail:
		at := strings.LastIndex(value, "@")
		if at < 1 || at == len(value)-1 {
			return "", false
		}
		return strings.ToLower(value), true
	default:
		if len(value) < 10 || strings.ContainsAny(value, " \t\n") {
			return "", false
		}
		return value, true
	}
}

// Mask hides all but the edges of a destination value.
func Mask(kind Kind, value string) string {
	switch kind {
	case KindCard:
		if len(value) < 8 {
			return "****"
		}
		return value[:4] + " **** **** " + value[len(value)-4:]
	case KindEmail:
		at := strings.LastIndex(value, "@")
		if at < 1 {
			return "***"
		}
		return value[:1] + "***" + value[at:]
	default:
		if len(value) <= 10 {
			return "****" + value[max(0, len(value)-2):]
		}
		return value[:6] + "..." + value[len(value)-4:]
	}
}
