package game

import (
	"fmt"
	"strings"
)

// NormalizeMove converts a client-supplied move into the engine's
// dashed form. Accepted inputs are "e2-e4", UCI "e2e4", and either
// shape with a promotion suffix ("e7e8q" → "e7-e8q").
func NormalizeMove(move string) (string, error) {
	move = strings.TrimSpace(move)

	from, rest, ok := strings.Cut(move, "-")
	if !ok {
		if len(move) < 4 {
			return "", fmt.Errorf("malformed move %q", move)
		}
		from, rest = move[:2], move[2:]
	}
	to, promo := rest, ""
	if len(rest) > 2 {
		to, promo = rest[:2], rest[2:]
	}

	if !validSquare(from) || !validSquare(to) {
		return "", fmt.Errorf("malformed move %q", move)
	}
	if len(promo) > 1 || (promo != "" && !strings.ContainsAny(promo, "qrbnQRBN")) {
		return "", fmt.Errorf("malformed promotion in %q", move)
	}
	return from + "-" + to + strings.ToLower(promo), nil
}

func validSquare(sq string) bool {
	return len(sq) == 2 &&
		sq[0] >= 'a' && sq[0] <= 'h' &&
		sq[1] >= '1' && sq[1] <= '8'
}
