package orders

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/angelmondragon/storefront-backend/pkg/db"
)

const maxOrderNumberAttempts = 3

// newOrderNumber returns prefix-XXXXXXXXXXXX with 12 upper-case hex chars.
func newOrderNumber(prefix string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}

func isOrderNumberConflict(err error) bool {
	return db.IsUniqueViolation(err, "orders_order_number_key") ||
		db.IsUniqueViolation(err, "orders.order_number")
}
