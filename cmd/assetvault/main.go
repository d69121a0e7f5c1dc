package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/checkpoint"
	"github.com/jacktea/assetvault/pkg/gc"
	"github.com/jacktea/assetvault/pkg/metrics"
	"github.com/jacktea/assetvault/pkg/server/httpapi"
	"github.com/jacktea/assetvault/pkg/server/middleware"
	"github.com/jacktea/assetvault/pkg/server/s3gw"
	"github.com/jacktea/assetvault/pkg/sharder"
	"github.com/jacktea/assetvault/pkg/store"
	"github.com/jacktea/assetvault/pkg/stream"
)

// skipStore marks commands that manage checkpoints themselves.
const skipStore = "assetvault/skip-store"

type app struct {
	ctx        context.Context
	log        *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      *store.Store
	checkpoint checkpoint.Store
	cleanup    func()
}

func (a *app) ensureLogger() error {
	if a.log != nil {
		return nil
	}
	log, err := buildLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// ensureStore opens the configured checkpoint and restores the store from it.
func (a *app) ensureStore() error {
	if a.store != nil {
		return nil
	}
	ctx := context.Background()
	if owner := viper.GetString("owner"); owner != "" {
		ctx = access.WithCaller(ctx, owner)
	}
	opts, err := checkpointOptionsFromConfig()
	if err != nil {
		return err
	}
	cs, err := openCheckpoint(ctx, opts)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	st := store.New(storeOptionsFromConfig(a.log.Named("store"), a.metrics))
	if err := st.Restore(ctx, cs); err != nil {
		cs.Close()
		return fmt.Errorf("restore: %w", err)
	}
	a.ctx = ctx
	a.store = st
	a.checkpoint = cs
	a.cleanup = func() { _ = cs.Close() }
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// persist writes the stable state back after a mutating command.
func (a *app) persist() error {
	return a.store.Checkpoint(a.ctx, a.checkpoint)
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "assetvault",
		Short:         "Certified content-addressable asset store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureLogger(); err != nil {
				return err
			}
			if cmd.Annotations[skipStore] != "" {
				return nil
			}
			return application.ensureStore()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("assetvault")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "assetvault"))
		}
	}
	viper.SetEnvPrefix("ASSETVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("data", ".assetvault/state.db", "bbolt checkpoint file")
	flags.String("redis-addr", "", "Redis address; when set the checkpoint lives in Redis")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("redis-prefix", "assetvault:", "Redis key prefix")
	flags.Bool("encrypt", false, "seal checkpointed content with AES-256-GCM")
	flags.String("key", "", "hex-encoded 32-byte key when encryption enabled")

	flags.Duration("batch-ttl", 5*time.Minute, "idle time before an open batch expires")
	flags.Int("max-chunk", store.DefaultMaxChunkSize, "maximum chunk size in bytes")
	flags.Int64("max-asset", store.DefaultMaxAssetSize, "maximum asset size in bytes")
	flags.String("owner", "", "principal presented to the store (and installed by serve when unowned)")

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")

	bindConfig("data", flags.Lookup("data"))
	bindConfig("redis_addr", flags.Lookup("redis-addr"))
	bindConfig("redis_password", flags.Lookup("redis-password"))
	bindConfig("redis_db", flags.Lookup("redis-db"))
	bindConfig("redis_prefix", flags.Lookup("redis-prefix"))
	bindConfig("encrypt", flags.Lookup("encrypt"))
	bindConfig("key", flags.Lookup("key"))

	bindConfig("batch_ttl", flags.Lookup("batch-ttl"))
	bindConfig("max_chunk", flags.Lookup("max-chunk"))
	bindConfig("max_asset", flags.Lookup("max-asset"))
	bindConfig("owner", flags.Lookup("owner"))

	bindConfig("log_level", flags.Lookup("log-level"))
	bindConfig("log_format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newCatCmd(),
		newRmCmd(),
		newLsCmd(),
		newRootCmd(),
		newWitnessCmd(),
		newGCCmd(),
		newMigrateCmd(),
	)
}

func newPutCmd() *cobra.Command {
	var (
		token       string
		contentType string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "put <local-file|-> <full-path>",
		Short: "Upload a file through the batch protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			key := asset.Key{FullPath: args[1]}
			if token != "" {
				key.Token = &token
			}
			var headers []asset.HeaderField
			if contentType != "" {
				headers = append(headers, asset.HeaderField{Name: "Content-Type", Value: contentType})
			}
			n, err := doPut(application.ctx, application.store, key, headers, r, sharder.WriterOptions{
				ChunkSize:   viper.GetInt("max_chunk"),
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}
			if err := application.persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", asset.CleanPath(args[1]), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "capability token required to read the asset")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content-Type header stored with the asset")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "parallel chunk uploads")
	return cmd
}

func newCatCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "cat <full-path>",
		Short: "Stream every fragment of an asset to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stream.Request{FullPath: args[0]}
			if cmd.Flags().Changed("token") {
				req.Token = &token
			}
			_, err := sharder.Concat(application.ctx, application.store, req, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "capability token")
	return cmd
}

func newRmCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "rm <full-path>",
		Short: "Delete an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok *string
			if cmd.Flags().Changed("token") {
				tok = &token
			}
			if err := application.store.Delete(application.ctx, args[0], tok); err != nil {
				return err
			}
			return application.persist()
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "capability token")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [folder]",
		Short: "List assets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var folder string
			if len(args) == 1 {
				folder = args[0]
			}
			return doList(cmd.OutOrStdout(), application.store, folder)
		},
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the certified root hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := application.store.RootHash()
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(root[:]))
			return nil
		},
	}
}

func newWitnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "witness <full-path>",
		Short: "Print the certificate header for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, root, err := application.store.Witness(args[0])
			if err != nil {
				return err
			}
			cert, err := store.FormatCertificate(root, proof)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", store.CertificateHeader, cert)
			return nil
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Sweep expired batches and compact the checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{Store: application.store, Logger: application.log.Named("gc")})
			n, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			if err := application.persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc removed %d batches\n", n)
			if bs, ok := application.checkpoint.(*checkpoint.BoltStore); ok {
				stats, err := bs.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint holds %d assets in %d chunks\n", stats.Assets, stats.Chunks)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var toRedis string
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Copy the bbolt checkpoint into Redis",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if toRedis == "" {
				return errors.New("migrate: --to-redis is required")
			}
			opts, err := checkpointOptionsFromConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := doMigrate(ctx, opts, toRedis)
			if err != nil {
				return err
			}
			application.log.Info("checkpoint migrated", zap.Int("assets", n), zap.String("redis", toRedis))
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d assets\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&toRedis, "to-redis", "", "destination Redis address")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, optionally, an S3 gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:               viper.GetString("serve.addr"),
				APIKey:             viper.GetString("serve.api_key"),
				PageSize:           viper.GetInt("serve.page_size"),
				PageMax:            viper.GetInt("serve.page_max"),
				RateLimit:          viper.GetInt("serve.rate_limit"),
				RateWindow:         viper.GetDuration("serve.rate_window"),
				SweepInterval:      viper.GetDuration("serve.sweep_interval"),
				CheckpointInterval: viper.GetDuration("serve.checkpoint_interval"),
				S3Addr:             viper.GetString("serve.s3_addr"),
				S3Bucket:           viper.GetString("serve.s3_bucket"),
				Owner:              viper.GetString("owner"),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("page-size", 100, "default page size for listings")
	cmd.Flags().Int("page-max", 1000, "maximum page size for listings")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Duration("sweep-interval", time.Minute, "expired batch sweep interval")
	cmd.Flags().Duration("checkpoint-interval", 30*time.Second, "periodic checkpoint interval (0 disables)")
	cmd.Flags().String("s3-addr", "", "S3 gateway listen address (empty disables)")
	cmd.Flags().String("s3-bucket", s3gw.DefaultBucket, "bucket name exposed by the S3 gateway")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.page_size", cmd.Flags().Lookup("page-size"))
	bindConfig("serve.page_max", cmd.Flags().Lookup("page-max"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.sweep_interval", cmd.Flags().Lookup("sweep-interval"))
	bindConfig("serve.checkpoint_interval", cmd.Flags().Lookup("checkpoint-interval"))
	bindConfig("serve.s3_addr", cmd.Flags().Lookup("s3-addr"))
	bindConfig("serve.s3_bucket", cmd.Flags().Lookup("s3-bucket"))
	return cmd
}

type serveOptions struct {
	Addr               string
	APIKey             string
	PageSize           int
	PageMax            int
	RateLimit          int
	RateWindow         time.Duration
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	S3Addr             string
	S3Bucket           string
	Owner              string
}

func runServe(ctx context.Context, a *app, opt serveOptions) error {
	log := a.log
	if opt.Owner != "" {
		if _, owned := a.store.Owner(); !owned {
			if err := a.store.SetOwner(a.ctx, opt.Owner); err != nil {
				return err
			}
		}
	}
	var limit middleware.RateLimitOptions
	if opt.RateLimit > 0 {
		limit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}

	stopSweep := gc.NewSweeper(gc.Options{Store: a.store, Logger: log.Named("gc")}).Start(ctx, opt.SweepInterval)
	defer stopSweep()
	if opt.CheckpointInterval > 0 {
		stopCheckpoint := gc.Every(ctx, opt.CheckpointInterval, log.Named("checkpoint"), "checkpoint", func(ctx context.Context) error {
			return a.store.Checkpoint(ctx, a.checkpoint)
		})
		defer stopCheckpoint()
	}

	g, gctx := errgroup.WithContext(ctx)
	api := &httpapi.Server{
		Store:    a.store,
		Log:      log.Named("http"),
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Opts: httpapi.Options{
			APIKey:          opt.APIKey,
			RateLimit:       limit,
			DefaultPageSize: opt.PageSize,
			MaxPageSize:     opt.PageMax,
			MaxChunkBytes:   viper.GetInt("max_chunk"),
		},
	}
	g.Go(func() error {
		log.Info("serving HTTP API", zap.String("addr", opt.Addr))
		return api.Start(gctx, opt.Addr)
	})
	if opt.S3Addr != "" {
		gw := &s3gw.Server{
			Store: a.store,
			Log:   log.Named("s3"),
			Opt: s3gw.Options{
				Bucket:    opt.S3Bucket,
				APIKey:    opt.APIKey,
				RateLimit: limit,
				Principal: opt.Owner,
				ChunkSize: viper.GetInt("max_chunk"),
			},
		}
		g.Go(func() error {
			log.Info("serving S3 gateway", zap.String("addr", opt.S3Addr), zap.String("bucket", opt.S3Bucket))
			return gw.Start(gctx, opt.S3Addr)
		})
	}
	serveErr := g.Wait()

	// Final checkpoint runs on a fresh context; ctx is already canceled.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.store.Checkpoint(saveCtx, a.checkpoint); err != nil {
		log.Error("final checkpoint failed", zap.Error(err))
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func doPut(ctx context.Context, st *store.Store, key asset.Key, headers []asset.HeaderField, r io.Reader, opts sharder.WriterOptions) (int64, error) {
	id, err := st.InitiateUpload(ctx, key)
	if err != nil {
		return 0, err
	}
	ids, n, err := sharder.Upload(ctx, st, id, r, opts)
	if err != nil {
		return n, err
	}
	if len(ids) == 0 {
		cid, err := st.UploadChunk(ctx, id, nil)
		if err != nil {
			return 0, err
		}
		ids = append(ids, cid)
	}
	return n, st.CommitBatch(ctx, id, headers, ids)
}

func doList(w io.Writer, st *store.Store, folder string) error {
	for _, e := range st.List(folder) {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%x\t%s\n",
			e.Key.FullPath, e.TotalLength, e.SHA256[:8], e.Modified.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func doMigrate(ctx context.Context, opts checkpointOptions, redisAddr string) (int, error) {
	src, err := openBolt(opts)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dstOpts := opts
	dstOpts.RedisAddr = redisAddr
	dst, err := openRedis(ctx, dstOpts)
	if err != nil {
		return 0, err
	}
	defer dst.Close()
	return checkpoint.Migrate(ctx, src, dst)
}
