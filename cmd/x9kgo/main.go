// Command x9kgo segments an MPEG-TS stream into SCTE-35–aware HLS.
package main

import (
	"fmt"
	"os"

	"github.com/futzu/x9kgo/cmd/x9kgo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
