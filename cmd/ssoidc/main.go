// Command ssoidc runs the identity provider.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pardot/ssoidc/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ssoidc",
		Short:         "Authorization code identity provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the authorization, token and client administration endpoints",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	applyFlags := bindFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath, nil)
		if err != nil {
			return err
		}
		applyFlags(&cfg)
		if err := cfg.validate(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, &cfg)
	}
	return cmd
}

// bindFlags registers the config flags on fs. The returned func copies the
// flags that were set on the command line over c, so they win over the file
// and environment.
func bindFlags(fs *pflag.FlagSet) func(c *config) {
	def := defaultConfig()
	var (
		f          = def
		codeTTL    time.Duration
		idTokenTTL time.Duration
		gcInterval time.Duration
		rotate     time.Duration
	)

	fs.StringVar(&f.Addr, "addr", def.Addr, "Address to listen on")
	fs.StringVar(&f.Issuer, "issuer", def.Issuer, "Issuer URL for OIDC provider")
	fs.StringVar(&f.Storage.Type, "storage", def.Storage.Type, "Storage backend: memory, disk, postgres, sqlite, mysql or redis")
	fs.StringVar(&f.Storage.Path, "storage-path", "", "Database file for disk and sqlite storage")
	fs.StringVar(&f.Storage.DSN, "storage-dsn", "", "Connection string for postgres and mysql storage")
	fs.StringVar(&f.Storage.RedisAddr, "redis-addr", "", "Redis address for redis storage")
	fs.StringVar(&f.Storage.Prefix, "redis-prefix", def.Storage.Prefix, "Prefix for redis keys")
	fs.StringVar(&f.SigningKeyFile, "signing-key", "", "PEM private key to sign identity tokens with")
	fs.StringVar(&f.SigningKeySetFile, "signing-key-set", "", "JWKS file of private keys to sign identity tokens with")
	fs.StringVar(&f.SigningKeyID, "signing-key-id", "", "Key ID for the signing key. Defaults to the thumbprint, or the first key of a key set")
	fs.DurationVar(&rotate, "rotate-keys-after", 0, "Rotate signing keys through storage at this interval, when no key file is given")
	fs.StringVar(&f.AdminToken, "admin-token", "", "Bearer token for the client administration endpoints")
	fs.StringSliceVar(&f.AllowedOrigins, "allowed-origin", nil, "Origin allowed to make CORS requests, may be repeated")
	fs.DurationVar(&codeTTL, "code-ttl", time.Duration(def.CodeTTL), "How long authorization codes are valid")
	fs.DurationVar(&idTokenTTL, "id-token-ttl", time.Duration(def.IDTokenTTL), "How long identity tokens are valid")
	fs.DurationVar(&gcInterval, "gc-interval", time.Duration(def.GCInterval), "How often expired records are removed")
	fs.StringVar(&f.LogLevel, "log-level", def.LogLevel, "Log level")
	fs.StringVar(&f.LogFormat, "log-format", def.LogFormat, "Log format, text or json")

	return func(c *config) {
		fs.Visit(func(fl *pflag.Flag) {
			switch fl.Name {
			case "addr":
				c.Addr = f.Addr
			case "issuer":
				c.Issuer = f.Issuer
			case "storage":
				c.Storage.Type = f.Storage.Type
			case "storage-path":
				c.Storage.Path = f.Storage.Path
			case "storage-dsn":
				c.Storage.DSN = f.Storage.DSN
			case "redis-addr":
				c.Storage.RedisAddr = f.Storage.RedisAddr
			case "redis-prefix":
				c.Storage.Prefix = f.Storage.Prefix
			case "signing-key":
				c.SigningKeyFile = f.SigningKeyFile
			case "signing-key-set":
			c.SigningKeySetFile = f.SigningKeySetFile
		case "signing-key-id":
				c.SigningKeyID = f.SigningKeyID
			case "rotate-keys-after":
				c.RotateKeysAfter = duration(rotate)
			case "admin-token":
				c.AdminToken = f.AdminToken
			case "allowed-origin":
				c.AllowedOrigins = f.AllowedOrigins
			case "code-ttl":
				c.CodeTTL = duration(codeTTL)
			case "id-token-ttl":
				c.IDTokenTTL = duration(idTokenTTL)
			case "gc-interval":
				c.GCInterval = duration(gcInterval)
			case "log-level":
				c.LogLevel = f.LogLevel
			case "log-format":
				c.LogFormat = f.LogFormat
			}
		})
	}
}

func serve(ctx context.Context, cfg *config) error {
	logger := cfg.logger()

	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("closing storage")
		}
	}()

	sig, err := newSigner(ctx, logger, cfg, store)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(server.Config{
		Issuer:             cfg.Issuer,
		Storage:            store,
		Signer:             sig,
		AdminToken:         cfg.AdminToken,
		AllowedOrigins:     cfg.AllowedOrigins,
		CodeValidityTime:   time.Duration(cfg.CodeTTL),
		IDTokensValidFor:   time.Duration(cfg.IDTokenTTL),
		Logger:             logger,
		PrometheusRegistry: reg,
	})
	if err != nil {
		return errors.Wrap(err, "Error creating server")
	}
	srv.StartGarbageCollection(ctx, time.Duration(cfg.GCInterval))

	if cfg.AdminToken == "" {
		logger.Warn("no admin token configured, client administration is disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).WithField("issuer", cfg.Issuer).Info("listening")
		errC <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
