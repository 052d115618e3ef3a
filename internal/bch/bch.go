// Package bch generates placeholder Bitcoin Cash identifiers. Nothing here
// derives keys or touches a chain; a production build would replace it with
// HD wallet derivation and broadcast.
package bch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TestnetPrefix = "bchtest:"
	MainnetPrefix = "bitcoincash:"

	addressBodyLen = 41

	// Decimals is the smallest unit a BCH amount may carry (one satoshi).
	// Storage columns hold exactly this many places.
	Decimals = 8
)

// GenerateAddress returns a random testnet-looking cashaddr
func GenerateAddress() string {
	buf := make([]byte, (addressBodyLen+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is gone
		panic(fmt.Sprintf("bch: read random: %v", err))
	}
	return TestnetPrefix + "q" + hex.EncodeToString(buf)[:addressBodyLen]
}

// ValidateAddress only checks the network prefix
func ValidateAddress(address string) bool {
	return strings.HasPrefix(address, TestnetPrefix) || strings.HasPrefix(address, MainnetPrefix)
}

// TxID builds a placeholder transaction id, e.g. "demo_18b6f1c2a40"
func TxID(prefix string, now time.Time) string {
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 16)
}

// ValidPrecision reports whether a has no more than Decimals fractional
// digits, i.e. it is stored without rounding
func ValidPrecision(a decimal.Decimal) bool {
	return a.Equal(a.Truncate(Decimals))
}
