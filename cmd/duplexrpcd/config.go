package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

const envPrefix = "DUPLEXRPC_"

// Config holds the daemon settings. Every flag can also be set through the
// environment as DUPLEXRPC_<FLAG>, dashes replaced by underscores; explicit
// flags win.
type Config struct {
	HTTPAddr        string
	StreamAddr      string
	StaticDir       string
	EtcdEndpoints   []string
	Service         string
	Advertise       string
	TTL             int64
	LogLevel        string
	Development     bool
	RequestTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

func loadConfig(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	var etcd string

	fs := flag.NewFlagSet("duplexrpcd", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.HTTPAddr, "http", ":8888", "HTTP listen address (WebSocket RPC and static files)")
	fs.StringVar(&cfg.StreamAddr, "stream", "", "framed TCP listen address, empty to disable")
	fs.StringVar(&cfg.StaticDir, "static", "static", "directory served to plain HTTP requests, empty to disable")
	fs.StringVar(&etcd, "etcd", "", "comma separated etcd endpoints, empty to disable registration")
	fs.StringVar(&cfg.Service, "service", "duplex-rpc", "service name registered in etcd")
	fs.StringVar(&cfg.Advertise, "advertise", "", "address registered in etcd, e.g. ws://10.0.0.5:8888/rpc")
	fs.Int64Var(&cfg.TTL, "ttl", 10, "etcd lease TTL in seconds")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.BoolVar(&cfg.Development, "dev", false, "human readable logs")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 0, "per request handler timeout, 0 for none")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 0, "inbound requests per second across all connections, 0 for unlimited")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 50, "burst size for -rate-limit")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time to wait for connections on shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []string
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v := getenv(key); v != "" {
			if err := f.Value.Set(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			}
		}
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	if etcd != "" {
		for _, ep := range strings.Split(etcd, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.EtcdEndpoints = append(cfg.EtcdEndpoints, ep)
			}
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" && c.StreamAddr == "" {
		return fmt.Errorf("at least one of -http and -stream is required")
	}
	if len(c.EtcdEndpoints) > 0 {
		if c.Advertise == "" {
			return fmt.Errorf("-advertise is required with -etcd")
		}
		if c.TTL <= 0 {
			return fmt.Errorf("-ttl must be positive, got %d", c.TTL)
		}
	}
	if c.RateLimit < 0 || c.RateBurst <= 0 {
		return fmt.Errorf("invalid rate limit %v/%d", c.RateLimit, c.RateBurst)
	}
	return nil
}
