package scheduler

const (
	testPeer = "bob"
)
