// Command bot runs the option combination ledger: it consumes deals, keeps
// per-strategy positions, combinations and accounts, and emits the order
// commands of the remark continuation protocol.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
