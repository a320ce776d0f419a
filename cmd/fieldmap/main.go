// Command fieldmap reconstructs spatiotemporal fields from point
// measurements and renders them as heatmaps and animations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
