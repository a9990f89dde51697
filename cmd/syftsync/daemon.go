package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/statushttp"
	"github.com/openmined/syftsync/internal/sync"
	"github.com/openmined/syftsync/internal/utils"
	"github.com/openmined/syftsync/internal/version"
	"github.com/spf13/cobra"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// setupLogger logs to stdout and, with sequence numbers and timestamps, to
// logFile. The file is truncated on every start.
func setupLogger(logFile string, verbose bool) (func() error, error) {
	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	writer := utils.NewLogWriter(file)
	fileHandler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the writer stamps each line itself
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() error {
		return errors.Join(writer.Close(), file.Close())
	}, nil
}

func runDaemon(cmd *cobra.Command, cfg *config.Config) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = config.DefaultLogFile
	}
	closeLog, err := setupLogger(logFile, verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	showHeader(cmd.OutOrStdout())
	slog.Info("syftsync start",
		"version", version.Short(),
		"config", cfg.Path,
		"stateDir", cfg.StateDir,
		"storage", cfg.Storage,
		"instances", len(cfg.Instances),
		"logFile", logFile,
	)

	ctx := cmd.Context()
	m, err := cfg.NewManager(ctx)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		m.Stop()
		return err
	}
	for _, e := range m.Engines() {
		slog.Info("sync instance",
			"tag", e.Tag(),
			"local", e.Provider(sync.Local).Name()+":"+e.State().Root(sync.Local),
			"remote", e.Provider(sync.Remote).Name()+":"+e.State().Root(sync.Remote),
		)
	}

	srvErr := statushttp.New(cfg.HTTPAddr, m, statushttp.WithToken(cfg.HTTPToken)).Start(ctx)
	stopErr := m.Stop()
	defer slog.Info("Bye!")
	return errors.Join(srvErr, stopErr)
}
