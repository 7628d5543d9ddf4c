// Command powblocks runs code blocks in an execution runtime.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/iambrandonn/powblocks/internal/cli"
)

func main() {
	// A .env file is optional.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
