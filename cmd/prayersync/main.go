// Command prayersync runs and inspects the prayer list sync core.
package main

import (
	"os"

	"github.com/roach88/prayersync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
