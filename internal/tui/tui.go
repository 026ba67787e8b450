package tui

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
)

// Run connects to the bridge and runs the chat UI until the user quits or
// ctx ends. stdout belongs to the UI, so logger should write elsewhere.
func Run(ctx context.Context, url, token string, logger *slog.Logger) error {
	client, err := Dial(ctx, url, token)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newModel(ctx, client, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	logger.Info("chat client started", "url", url)
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
