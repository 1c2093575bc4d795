// Command formextract extracts handwritten form fields from photographs, either
// locally in a batch or by submitting the images to the worker queue.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
