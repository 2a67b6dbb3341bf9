// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/cloudant-labs/couchbackup/pkg/events"
	"github.com/cloudant-labs/couchbackup/pkg/restore"
)

func newRestoreCmd() *cobra.Command {
	creds := &dbCredentials{}
	opts := restore.Options{}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a database from a newline-delimited JSON stream on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(creds, opts)
		},
	}

	creds.addFlags(cmd)
	flags := cmd.Flags()
	flags.IntVar(&opts.BufferSize, "buffer-size", 500, "documents per _bulk_docs batch")
	flags.BoolVar(&opts.Attachments, "attachments", false, "accepted for symmetry with backup; unused by restore")
	return cmd
}

func runRestore(creds *dbCredentials, opts restore.Options) error {
	opts.Parallelism = creds.parallelism

	collectors := creds.newMetrics()
	client, err := creds.newClient(collectors)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.GetSession(ctx); err != nil {
		return err
	}
	client.StartSessionKeeper(ctx, 0)

	ch, err := restore.Run(ctx, client, creds.db, os.Stdin, opts)
	if err != nil {
		return err
	}

	bar := pb.New(0)
	bar.SetWriter(os.Stderr)
	bar.Start()
	defer bar.Finish()

	for e := range ch {
		collectors.Record("restore", e)
		switch ev := e.(type) {
		case events.Restored:
			bar.SetCurrent(int64(ev.Total))
		case events.Failed:
			return ev.Err
		}
	}
	return nil
}
