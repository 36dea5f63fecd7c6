// Command layout-check renders ./popup.html at the popup viewport sizes and
// fails when anything overflows horizontally or gets clipped.
package main

import (
	"context"
	"fmt"
	"os"

	"dev/bravebird/popup-verifier/pkg/verifier"
)

func main() {
	if _, err := verifier.NewLayoutChecker().Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
