// Command certmimic impersonates X.509 certificates, either one-shot from a
// file or live inside an intercepting HTTPS proxy.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
