package main

import (
	"fmt"
	"os"

	"github.com/chiquitav2/vpn-provisioner/cmd/provisionerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
