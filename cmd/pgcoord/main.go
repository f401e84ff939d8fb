package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sorintlab/pgcoord/config"
	"github.com/sorintlab/pgcoord/db"
	slog "github.com/sorintlab/pgcoord/log"
	"github.com/sorintlab/pgcoord/metrics"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configFile string

var log = slog.S()

var rootCmd = &cobra.Command{
	Use:   "pgcoord",
	Short: "postgres notifications, advisory locks and change streaming",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

// run adapts a command function returning an error to a cobra Run func
func run(f func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if err := f(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, errors.New("you should provide a config file path (-c option)")
	}
	c, err := config.Parse(configFile)
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("error parsing configuration file %s", configFile))
	}
	if c.Debug {
		slog.SetDebug(true)
	}
	if c.DB.ConnString == "" {
		return nil, errors.New("no db connString specified")
	}
	return c, nil
}

func openDB(c *config.Config) (*db.DB, error) {
	d, err := db.NewDB(c.DB.ConnString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	return d, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	log.Infof("metrics listening on %s", addr)
	go func() {
		if err := http.ListenAndServe(addr, router); err != nil {
			log.Errorf("metrics listening on %s failed: %v", addr, err)
		}
	}()
}
