package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/go-metrics"
	"github.com/spf13/cobra"

	"github.com/twopence/twopence/blobcache"
	"github.com/twopence/twopence/configuration"
	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/imageformat/factory"
	"github.com/twopence/twopence/internal/dcontext"
	prometheus "github.com/twopence/twopence/metrics"
	"github.com/twopence/twopence/reference"
	"github.com/twopence/twopence/registry/client/auth"
	"github.com/twopence/twopence/version"
)

func init() {
	metrics.Register(prometheus.BlobCacheNamespace)
	metrics.Register(prometheus.TransportNamespace)
}

// app is the state shared by all subcommands of one invocation.
type app struct {
	configPath  string
	showVersion bool
	arch        string
	os          string
	cacheDir    string
	keystore    string
	debugAddr   string

	ctx     context.Context
	config  *configuration.Configuration
	factory *factory.ImageFactory
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "twopence-image",
		Short:         "`twopence-image` moves container images between registries, directories and archives",
		Long:          "`twopence-image` moves container images between registries, directories and archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.showVersion {
				return nil
			}
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.showVersion {
				version.FprintVersion(cmd.OutOrStdout())
				return nil
			}
			return cmd.Usage()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("TWOPENCE_CONFIGURATION_PATH"), "configuration file")
	flags.StringVar(&a.arch, "arch", "", "architecture to select from multi-platform images")
	flags.StringVar(&a.os, "os", "", "operating system to select from multi-platform images")
	flags.StringVar(&a.cacheDir, "cache-dir", "", "directory caching downloaded blobs")
	flags.StringVar(&a.keystore, "keystore", "", "docker client config file holding registry credentials")
	flags.StringVar(&a.debugAddr, "debug-addr", "", "serve metrics on this address while running")
	rootCmd.Flags().BoolVarP(&a.showVersion, "version", "v", false, "show the version and exit")

	rootCmd.AddCommand(
		newInspectCmd(a),
		newCopyCmd(a),
		newExistsCmd(a),
		newExternalizeCmd(a),
	)
	return rootCmd
}

// setup resolves the configuration and builds the image factory.
func (a *app) setup(cmd *cobra.Command) error {
	config, err := resolveConfiguration(a.configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if a.arch != "" {
		config.Images.Architecture = a.arch
	}
	if a.os != "" {
		config.Images.OS = a.os
	}
	if a.cacheDir != "" {
		config.Images.CacheDir = a.cacheDir
	}
	if a.keystore != "" {
		config.Images.Keystore = a.keystore
	}

	ctx := dcontext.Background()
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to configure logging with config: %w", err)
	}

	if config.Images.DefaultRegistry != "" {
		reference.DefaultRegistryURL = config.Images.DefaultRegistry
	}

	keystorePath := config.Images.Keystore
	if keystorePath == "" {
		keystorePath = auth.DefaultDockerConfigPath()
	}
	keystore, err := auth.NewDockerConfigKeystore(keystorePath)
	if err != nil {
		return fmt.Errorf("failed to load keystore: %w", err)
	}
	dcontext.GetLogger(ctx).Debugf("using credentials from %s", keystore.Path())

	opts := imageformat.Options{
		Architecture: config.Images.Architecture,
		OS:           config.Images.OS,
		Keystore:     auth.Keystores{keystore},
		Timeout:      config.Images.Timeout,
		Parameters:   config.Images.Transports.Parameters(),
	}
	if config.Images.CacheDir != "" {
		root, err := filepath.Abs(config.Images.CacheDir)
		if err != nil {
			return err
		}
		opts.Cache = blobcache.New(root)
	}

	if a.debugAddr != "" {
		go serveDebug(ctx, a.debugAddr)
	}

	a.ctx = ctx
	a.config = config
	a.factory = &factory.ImageFactory{Options: opts}
	cmd.SetContext(ctx)
	return nil
}

func resolveConfiguration(path string) (*configuration.Configuration, error) {
	if path == "" {
		return configuration.Default(), nil
	}

	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return config, nil
}

// logCacheStats reports blob cache usage of this run at debug level.
func (a *app) logCacheStats() {
	if a.factory.Options.Cache == nil {
		return
	}
	stats := blobcache.Snapshot()
	dcontext.GetLoggerWithFields(a.ctx, map[interface{}]interface{}{
		"cache.hits":   stats.Hits,
		"cache.misses": stats.Misses,
		"cache.bytes":  stats.BytesCached,
	}).Debug("blob cache statistics")
}

func serveDebug(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/vars", expvar.Handler())

	dcontext.GetLogger(ctx).Infof("debug server listening %v", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("debug server stopped")
	}
}
