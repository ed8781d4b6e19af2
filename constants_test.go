package ferry

import "time"

const (
	aliceID = "alice"
	bobID   = "bob"

	testChunkSize    = 4096
	testPassInterval = 20 * time.Millisecond
	waitFor          = 10 * time.Second
	tick             = 10 * time.Millisecond
)
