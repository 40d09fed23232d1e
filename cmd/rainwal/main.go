package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// exit 1 tells the archive hook to keep the segment and retry later
		fmt.Fprintln(os.Stderr, "rainwal:", err)
		os.Exit(1)
	}
}
