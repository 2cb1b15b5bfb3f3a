// Command paykeeperctl is the operator tool for a paykeeper deployment.
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
