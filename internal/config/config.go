// Package config parses the process's command-line arguments into a
// validated Config. A .env file, if present, is loaded first (via
// godotenv) purely as a local-development convenience; every value the
// process actually honours comes from flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every option the core collaborators need, already validated.
type Config struct {
	Upstream              string // origin base URL as given; consumers prepend http:// if absent
	Memcached             []string
	ListenAddr            string
	MetricsAddr           string // empty means the metrics listener is disabled
	LockTTL               time.Duration
	ForwardTimeout        time.Duration
	MaxConcurrentForwards int
	RemoveQueryKeys       []string
}

const (
	defaultMemcached      = "localhost:11211"
	defaultPort           = 8080
	defaultLockTTL        = 30 * time.Second
	defaultForwardTimeout = 30 * time.Second
	defaultMaxConcurrent  = 256
)

// Load parses args (typically os.Args[1:]) into a validated Config.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	fs := flag.NewFlagSet("rampart", flag.ContinueOnError)
	upstream := fs.String("upstream", "", "origin base URL, e.g. http://localhost:9000 (required)")
	memcached := fs.String("memcached", defaultMemcached, "comma-separated memcache cluster node list")
	port := fs.Int("port", defaultPort, "listen port for the reverse proxy")
	metricsPort := fs.Int("metrics", 0, "if set, start the metrics listener on this port")
	lockTTL := fs.Duration("lock-ttl", defaultLockTTL, "expiration set on the dogpile lock key")
	forwardTimeout := fs.Duration("forward-timeout", defaultForwardTimeout, "timeout for a single origin round trip")
	maxConcurrent := fs.Int("max-concurrent-forwards", defaultMaxConcurrent, "max concurrent origin forwards per instance")
	removeKeys := fs.String("remove-query-keys", "", "comma-separated query parameter keys to strip during canonicalisation")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if strings.TrimSpace(*upstream) == "" {
		return nil, errors.New("config: --upstream is required")
	}
	nodes := splitAndTrim(*memcached)
	if len(nodes) == 0 {
		return nil, errors.New("config: --memcached must name at least one node")
	}
	if *port <= 0 || *port > 65535 {
		return nil, fmt.Errorf("config: --port %d out of range", *port)
	}
	if *metricsPort < 0 || *metricsPort > 65535 {
		return nil, fmt.Errorf("config: --metrics %d out of range", *metricsPort)
	}

	cfg := &Config{
		Upstream:              strings.TrimSpace(*upstream),
		Memcached:             nodes,
		ListenAddr:            fmt.Sprintf(":%d", *port),
		LockTTL:               *lockTTL,
		ForwardTimeout:        *forwardTimeout,
		MaxConcurrentForwards: *maxConcurrent,
		RemoveQueryKeys:       splitAndTrim(*removeKeys),
	}
	if *metricsPort > 0 {
		cfg.MetricsAddr = fmt.Sprintf(":%d", *metricsPort)
	}
	return cfg, nil
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
