package config

import (
	"os"
	"time"
)

// TokenEnv names the environment variable holding the access token.
const TokenEnv = "BROKER_ACCESS_TOKEN"

// Config holds runtime settings for the broker CLI.
type Config struct {
	ServerEndpointAddr string
	AccessToken        string
	HistoryDB          string
	// RequestTimeout bounds unary calls; uploads and downloads are not limited.
	RequestTimeout time.Duration
}

func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.HistoryDB = "transfers.db"
	c.RequestTimeout = 15 * time.Second
}

// LoadConfig applies defaults, then the environment, JSON and flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	if v, ok := os.LookupEnv(TokenEnv); ok {
		cfg.AccessToken = v
	}
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
