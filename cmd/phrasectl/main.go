// Command phrasectl inspects and drives the autocomplete pipeline: it shows
// the target pointers and partition membership, builds and promotes
// targets, runs prefix lookups and lists the build history.
//
// Usage:
//
//	phrasectl [--config configs/development.yaml] status
//	phrasectl build 20200101
//	phrasectl build --latest
//	phrasectl apply [--force]
//	phrasectl query app
//	phrasectl history --limit 20
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}
