// Package main is the ferry command: send files to a peer, receive them,
// watch an outbox folder and inspect queued and resumable transfers.
//
// Every command shares one configuration, loaded from ferry.yaml, a .env
// file, FERRY_* variables and the global flags, in increasing order of
// precedence.
package main

import (
	"context"
	"os"
)

func main() {
	a := newApp()
	err := a.rootCmd().ExecuteContext(context.Background())
	a.close()
	if err != nil {
		os.Exit(1)
	}
}
