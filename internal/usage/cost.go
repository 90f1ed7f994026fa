package usage

import (
	"crypto/sha256"
	"encoding/hex"
)

// unitsPerPrice is the number of units a unit price is quoted for.
const unitsPerPrice = 1000

// Compute returns the cost of a call: (in/1000)*priceIn + (out/1000)*priceOut.
// It is pure and total. Callers are expected to pass non-negative counts.
func Compute(inputUnits, outputUnits int, priceIn, priceOut float64) float64 {
	return float64(inputUnits)/unitsPerPrice*priceIn + float64(outputUnits)/unitsPerPrice*priceOut
}

// TemplateID fingerprints a prompt as the first 16 hex characters of its sha256.
// The prompt text itself is never persisted. An empty prompt yields "".
func TemplateID(prompt string) string {
	if prompt == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}
