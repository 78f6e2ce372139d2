package core

import (
	"errors"
	"hash/crc32"
)

// ErrNoVariants is returned when variant assignment is attempted with an
// empty weight table.
var ErrNoVariants = errors.New("variant weights are empty")

// CalculateVariant deterministically assigns a variant for the given feature
// and serialized context. The bucket is the CRC-32 (IEEE) checksum of
// "{feature}|{contextKey}" reduced modulo 100, so the same pair always lands
// in the same bucket across processes with no shared state. CRC-32 is a
// deliberate choice over a cryptographic hash: the assignment needs speed
// and determinism, not unpredictability.
//
// Weights are walked in declaration order; the first entry whose cumulative
// weight strictly exceeds the bucket wins. If the weights sum below 100 and
// no entry covers the bucket, the last-declared variant is returned, which
// keeps the function total for any non-empty weight table.
func CalculateVariant(feature, contextKey string, weights []VariantWeight) (string, error) {
	if len(weights) == 0 {
		return "", ErrNoVariants
	}

	bucket := int(crc32.ChecksumIEEE([]byte(feature+"|"+contextKey)) % 100)

	cumulative := 0
	for _, w := range weights {
		cumulative += w.Weight
		if cumulative > bucket {
			return w.Name, nil
		}
	}

	return weights[len(weights)-1].Name, nil
}
