package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatwire/chatwire"
	"github.com/chatwire/chatwire/metrics"
	"github.com/chatwire/chatwire/store"
	"github.com/chatwire/chatwire/web"
)

const (
	defaultPort    = 11111
	defaultWebPort = 8080
)

type options struct {
	hostname string
	port     int
	debug    bool
}

func main() {
	chatwire.Init()

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Exited with error")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "chatwire",
		Short:         "Multi user chat over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogger(opts.debug)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.hostname, "hostname", "",
		"Interface to use, 0.0.0.0 for the server and 127.0.0.1 for the client")
	cmd.PersistentFlags().IntVar(&opts.port, "port", defaultPort, "Chat port")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(
		serverCommand(&opts),
		clientCommand(&opts),
	)
	return cmd
}

func setupLogger(debug bool) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}
}

func serverCommand(opts *options) *cobra.Command {
	var (
		webPort int
		dbFile  string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the chat server and its web admin console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host := opts.hostname
			if host == "" {
				host = "0.0.0.0"
			}
			chatAddr := net.JoinHostPort(host, strconv.Itoa(opts.port))
			webAddr := net.JoinHostPort(host, strconv.Itoa(webPort))
			return runServer(cmd.Context(), chatAddr, webAddr, dbFile)
		},
	}
	cmd.Flags().IntVar(&webPort, "web-port", defaultWebPort, "Web admin console port")
	cmd.Flags().StringVar(&dbFile, "db", store.DefaultDBFile, "SQLite database file")
	return cmd
}

func runServer(ctx context.Context, chatAddr, webAddr, dbFile string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	m := metrics.New()
	st, err := store.Open(dbFile, store.WithQueryObserver(m.ObserveQuery))
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := chatwire.NewServer(st, chatwire.WithServerMetrics(m))
	if err != nil {
		return err
	}
	console, err := web.NewConsole(st,
		web.WithConsoleMetrics(m),
		web.WithConsoleBus(srv.Bus()),
	)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.ListenAndServe(ctx, chatAddr) })
	eg.Go(func() error { return console.Serve(ctx, webAddr) })
	return eg.Wait()
}

func clientCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Connect to a chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			host := opts.hostname
			if host == "" {
				host = "127.0.0.1"
			}
			cl, err := chatwire.NewClient()
			if err != nil {
				return err
			}
			return cl.Run(ctx, net.JoinHostPort(host, strconv.Itoa(opts.port)))
		},
	}
}
