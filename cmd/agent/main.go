package main

import (
	"log/slog"
	"os"

	"orderpad/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		slog.Error("Failed to initialize agent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("Agent error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
