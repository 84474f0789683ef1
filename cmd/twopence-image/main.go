package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/twopence/twopence/imageformat/directory"
	_ "github.com/twopence/twopence/imageformat/ociarchive"
	_ "github.com/twopence/twopence/imageformat/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errImageMissing) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
