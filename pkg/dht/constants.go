package dht

import "time"

const (
	// K is the bucket capacity and the size of a lookup result.
	K = 20
	// Alpha is the number of peers queried in parallel per lookup round.
	Alpha = 3
	// MaxRounds bounds the rounds of a single lookup.
	MaxRounds = 10

	// DefaultSupplierTTL applies when a store request carries no ttl.
	DefaultSupplierTTL = time.Hour
)
