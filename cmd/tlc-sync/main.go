// Command tlc-sync moves NYC TLC trip records into object storage or a database.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/tlc-sync/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
