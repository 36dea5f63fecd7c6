// Command verify-popup renders ./popup.html in headless Chrome, waits for the
// app to mount and saves a screenshot to ./verification/popup.png.
package main

import (
	"context"
	"fmt"
	"os"

	"dev/bravebird/popup-verifier/pkg/verifier"
)

func main() {
	if err := verifier.New().Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
