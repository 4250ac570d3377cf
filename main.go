package main

import (
	"log/slog"
	"os"

	"flashsale/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		slog.Error("flashsale exited", "error", err)
		os.Exit(1)
	}
}
