// Package main provides a pointer to m2fetch's real entry point.
// m2fetch is a decoupled instruction-fetch frontend model built on Akita.
//
// For the full CLI, use: go run ./cmd/ftfrontend
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("m2fetch - decoupled instruction-fetch frontend model")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: ftfrontend [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -cycles    Number of cycles to simulate")
	fmt.Println("  -threads   Number of SMT threads")
	fmt.Println("  -policy    Thread selection policy")
	fmt.Println("  -config    Path to a frontend config JSON file")
	fmt.Println("  -v         Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/ftfrontend' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/ftfrontend' instead.")
	}
}
