// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package contact holds the normalization and validation helpers for the
// private contact data stored in the directory.
package contact

import (
	"crypto/rand"
	"math/big"
)

// shortIDAlphabet avoids characters that are easily confused when read from
// a phone screen or typed from a printout (0/O, 1/I/l, ...).
const shortIDAlphabet = "CDEHKMPRSTUWXY2458"

// ShortIDLength is the length of verification ids handed out to users.
const ShortIDLength = 10

// ShortID returns a random human-typeable id of the given length.
func ShortID(length int) string {
	max := big.NewInt(int64(len(shortIDAlphabet)))
	id := make([]byte, length)
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on any supported platform
			panic(err)
		}
		id[i] = shortIDAlphabet[n.Int64()]
	}
	return string(id)
}
