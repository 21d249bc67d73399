package logger

import "strings"

// RedactIdentity masks an actor identity for safe logging while keeping it
// recognisable to an operator who already knows it.
// "acct-12345678" → "ac***78"
// "session:5f1c...9a" → "session:5f***9a"
// Values of 4 characters or fewer are fully masked. Lengths count runes, so
// multi-byte identities are never split inside a character.
func RedactIdentity(id string) string {
	prefix := ""
	if i := strings.Index(id, ":"); i >= 0 {
		prefix, id = id[:i+1], id[i+1:]
	}
	r := []rune(id)
	if len(r) <= 4 {
		return prefix + "***"
	}
	return prefix + string(r[:2]) + "***" + string(r[len(r)-2:])
}
