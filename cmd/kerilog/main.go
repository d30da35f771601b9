package main

import (
	"log/slog"
	"os"

	"github.com/relves/kerilog/cmd/kerilog/commands"
)

func main() {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := commands.NewRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}
