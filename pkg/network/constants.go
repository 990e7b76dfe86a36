package network

import "time"

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
	eventBufferSize       = 256
)
