// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Command couchbackup backs up and restores CouchDB/Cloudant databases to
// and from a newline-delimited JSON stream.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/metrics"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "couchbackup",
		Short:         "Backup and restore CouchDB/Cloudant databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging()
		},
	}
	cmd.AddCommand(newBackupCmd(), newRestoreCmd())
	return cmd
}

// initLogging configures pingcap/log's global logger the way the teacher
// does: zap, console encoding, level gated by DEBUG.
func initLogging() error {
	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") != "" {
		level = zapcore.DebugLevel
	}
	cfg := log.Config{Level: level.String()}
	logger, props, err := log.InitLogger(&cfg)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// exitCodeFor maps a pipeline error to the CLI's stable exit code
// contract; any error outside the taxonomy exits 1.
func exitCodeFor(err error) int {
	if cbErr, ok := cberrors.As(err); ok {
		fmt.Fprintln(os.Stderr, cbErr.Error())
		return cbErr.ExitCode()
	}
	fmt.Fprintln(os.Stderr, err.Error())
	return 1
}

// dbCredentials is the shared client/flag surface for both subcommands.
type dbCredentials struct {
	url                string
	db                 string
	iamAPIKey          string
	iamTokenURL        string
	requestTimeout     int
	parallelism        int
	insecureSkipVerify bool
	metricsAddr        string
}

func (c *dbCredentials) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.url, "url", os.Getenv("COUCH_URL"), "database server URL (env COUCH_URL)")
	flags.StringVar(&c.db, "db", "", "database name")
	flags.StringVar(&c.iamAPIKey, "iam-api-key", os.Getenv("COUCHBACKUP_TEST_IAM_API_KEY"), "IBM Cloud IAM API key (env COUCHBACKUP_TEST_IAM_API_KEY)")
	flags.StringVar(&c.iamTokenURL, "iam-token-url", os.Getenv("CLOUDANT_IAM_TOKEN_URL"), "IAM token endpoint override (env CLOUDANT_IAM_TOKEN_URL)")
	flags.IntVar(&c.requestTimeout, "request-timeout", 120000, "per-attempt HTTP request timeout in milliseconds")
	flags.IntVar(&c.parallelism, "parallelism", 5, "number of concurrent requests")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
}

// newMetrics builds a Collectors registered against a fresh registry and,
// if metricsAddr was set, starts a /metrics HTTP handler for it in the
// background. The returned Collectors is nil when no address was given, so
// callers can pass it straight to Collectors.Record without a nil check.
func (c *dbCredentials) newMetrics() *metrics.Collectors {
	if c.metricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return collectors
}

func (c *dbCredentials) newClient(collectors *metrics.Collectors) (*couchdb.Client, error) {
	if c.url == "" {
		if u := os.Getenv("COUCH_BACKEND_URL"); u != "" {
			c.url = u
		}
	}
	return couchdb.NewClient(couchdb.Config{
		URL:                c.url,
		Parallelism:        c.parallelism,
		RequestTimeout:     time.Duration(c.requestTimeout) * time.Millisecond,
		IAMAPIKey:          c.iamAPIKey,
		IAMTokenURL:        c.iamTokenURL,
		InsecureSkipVerify: c.insecureSkipVerify,
		OnRetry: func() {
			log.Debug("retrying request")
			collectors.IncRetry()
		},
		OnFatalError: func(kind string) {
			collectors.IncHTTPError(kind)
		},
	})
}
