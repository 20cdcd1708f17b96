package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/transferbroker/internal/flagx"
)

// GlobalFlags are the flags consumed by the configuration layer; the CLI
// skips them when looking for the command.
var GlobalFlags = []string{"-a", "-t", "-db", "-timeout", "-c", "-config"}

// parseFlags populates Config from the global flags in os.Args.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-db", "-timeout"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port of the broker")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.HistoryDB, "db", cfg.HistoryDB, "local history database")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "unary call timeout")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
