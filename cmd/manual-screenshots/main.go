// Command manual-screenshots regenerates docs/images from ./popup.html with a
// mocked chrome.storage and sample snippets.
package main

import (
	"context"
	"fmt"
	"os"

	"dev/bravebird/popup-verifier/pkg/verifier"
)

func main() {
	if _, err := verifier.NewManualCapturer().Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
