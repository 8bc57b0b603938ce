// Command xbltoken mints an Xbox Live composite credential and prints it to
// stdout. All diagnostics go to stderr, so a parent process can capture the
// credential with plain output redirection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"gophersnake-go/internal/config"
	"gophersnake-go/internal/faults"
	"gophersnake-go/internal/logging"
	"gophersnake-go/internal/monitoring/tracing"
	"gophersnake-go/internal/msauth"
	"gophersnake-go/internal/tokencache"
	"gophersnake-go/internal/version"
	"gophersnake-go/internal/xbox"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "", "path to config file (YAML or JSON)")
		debug         = flag.Bool("debug", false, "enable debug logging")
		noInteractive = flag.Bool("no-interactive", false, "fail instead of starting the device-code flow")
		timeout       = flag.Duration("timeout", 15*time.Minute, "overall deadline, including interactive sign-in")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return 0
	}

	manager, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	defer manager.Stop()

	cfg := manager.Get()
	if *debug {
		cfg.Debug = true
	}

	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.WithError(err).Debug("tracing shutdown")
			}
		}()
	}

	cache, err := openCache(cfg)
	if err != nil {
		log.WithError(err).Error("could not open credential cache")
		return 1
	}
	defer cache.Close()

	source := msauth.NewManager(cache,
		msauth.WithInteractive(!*noInteractive),
		msauth.WithPrompt(func(verificationURI, userCode string) {
			// The instruction must reach the user even when stderr carries
			// JSON logs.
			fmt.Fprintf(os.Stderr, "\nTo sign in, use a web browser to open %s and enter the code %s\n\n", verificationURI, userCode)
		}),
	)

	pipeline := xbox.NewPipeline(cache, source, xbox.NewExchanger())

	credential, err := pipeline.Composite(ctx)
	if err != nil {
		log.WithError(err).WithField("kind", faults.KindOf(err)).Error("could not obtain composite credential")
		return 1
	}

	// Stdout carries the credential and nothing else.
	fmt.Println(credential)
	return 0
}

// openCache selects the cache backend from config. The file backend never
// fails: an unusable location degrades to memory-only.
func openCache(cfg *config.Config) (tokencache.Store, error) {
	switch cfg.Auth.CacheBackend {
	case "", "file":
		path := cfg.Auth.CacheFile
		if path == "" {
			path = tokencache.ResolvePath()
		}
		return tokencache.NewFileStore(path), nil
	case "redis":
		return tokencache.NewRedisStore(cfg.Auth.RedisAddr, cfg.Auth.RedisPassword, cfg.Auth.RedisDB, cfg.Auth.RedisPrefix)
	case "memory":
		return tokencache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Auth.CacheBackend)
	}
}
