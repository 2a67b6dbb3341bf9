// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package main

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/cloudant-labs/couchbackup/pkg/backup"
	"github.com/cloudant-labs/couchbackup/pkg/events"
)

func newBackupCmd() *cobra.Command {
	creds := &dbCredentials{}
	opts := backup.Options{}
	var outputPath, mode string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a database to a newline-delimited JSON stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = backup.Mode(mode)
			return runBackup(creds, opts, outputPath)
		},
	}

	creds.addFlags(cmd)
	flags := cmd.Flags()
	flags.IntVar(&opts.BufferSize, "buffer-size", 500, "documents per batch")
	flags.StringVar(&outputPath, "output", "", "output file (default stdout); a .gz suffix gzips the stream")
	flags.StringVar(&opts.LogPath, "log", "", "resume log file path")
	flags.BoolVar(&opts.Resume, "resume", false, "resume an interrupted backup using --log")
	flags.StringVar(&mode, "mode", "full", "backup mode: full or shallow")
	flags.BoolVar(&opts.Attachments, "attachments", false, "inline attachment bodies as base64")
	return cmd
}

func runBackup(creds *dbCredentials, opts backup.Options, outputPath string) (retErr error) {
	opts.Parallelism = creds.parallelism

	collectors := creds.newMetrics()
	client, err := creds.newClient(collectors)
	if err != nil {
		return err
	}

	output, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		// A close failure (e.g. disk full flushing the gzip trailer) is
		// as fatal as a pipeline failure; surface both instead of
		// letting one silently mask the other.
		retErr = multierr.Append(retErr, output.Close())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.GetSession(ctx); err != nil {
		return err
	}
	client.StartSessionKeeper(ctx, 0)

	ch, err := backup.Run(ctx, client, creds.db, output, opts)
	if err != nil {
		return err
	}

	bar := newProgressBar()
	defer bar.Finish()

	for e := range ch {
		collectors.Record("backup", e)
		switch ev := e.(type) {
		case events.Written:
			bar.SetCurrent(int64(ev.Total))
		case events.Failed:
			return ev.Err
		}
	}
	return nil
}

// nopCloser adapts an io.Writer that must not be closed (stdout) to
// io.WriteCloser.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// gzipFile closes its gzip.Writer before the underlying file.
type gzipFile struct {
	*gzip.Writer
	f *os.File
}

func (g *gzipFile) Close() error {
	if err := g.Writer.Close(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}

// openOutput resolves path to a writer: stdout when empty, a gzip-wrapped
// file when path ends in .gz, otherwise a plain file.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	return &gzipFile{Writer: gzip.NewWriter(f), f: f}, nil
}

// newProgressBar renders a terminal progress bar on stderr, leaving
// stdout free for the backup stream itself.
func newProgressBar() *pb.ProgressBar {
	bar := pb.New(0)
	bar.SetWriter(os.Stderr)
	bar.Start()
	return bar
}
