package logging

import (
	"cmp"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/paths"
)

// DefaultDebugPath is where debug records land when no explicit log file is
// configured.
func DefaultDebugPath() string {
	return filepath.Join(paths.GetDataDir(), "gwsub.debug.log")
}

// Setup wires the process-wide slog logger. With debug off every record is
// discarded. With debug on, text records at LevelDebug and above go to a
// rotating file at path (DefaultDebugPath when path is blank); the returned
// file is owned by the caller and must be closed on shutdown. A nil file
// means nothing was opened.
func Setup(debug bool, path string) (*RotatingFile, error) {
	if !debug {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return nil, nil
	}

	logFile, err := NewRotatingFile(cmp.Or(strings.TrimSpace(path), DefaultDebugPath()))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
	return logFile, nil
}
