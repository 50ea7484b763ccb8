package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/redis/go-redis/v9"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/audit"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/config"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/core"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/observability"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/oracle"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/statuslist"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "status":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: symphony status <init|allocate|revoke|unrevoke|check|credential>")
			return 2
		}
		return runStatus(args[2:], stdout, stderr)
	case "audit":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: symphony audit <verify|export|archive>")
			return 2
		}
		return runAudit(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: symphony <command>

Commands:
  evaluate   -context file.json | -envelope file.json
  status     init|allocate|revoke|unrevoke|check|credential
  audit      verify|export|archive

Configuration comes from the environment, or -config file.yaml.`)
}

// wiring bundles the Core with the components the subcommands reach into.
type wiring struct {
	Core    *core.Core
	Lists   *statuslist.Store
	Log     *audit.Log
	Cleanup func()
}

// buildCore wires a Core from configuration.
func buildCore(ctx context.Context, cfg *config.Config) (*wiring, error) {
	provider, err := buildKMS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	listStorage, auditStorage, dbClose, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.OTel.ServiceName,
		OTLPEndpoint: cfg.OTel.Endpoint,
		Enabled:      cfg.OTel.Enabled,
	})
	if err != nil {
		dbClose()
		return nil, err
	}
	cleanup := func() {
		_ = obs.Shutdown(context.Background())
		dbClose()
	}

	storeOpts := []statuslist.StoreOption{}
	if cfg.Audit.SigningKeyID != "" {
		storeOpts = append(storeOpts, statuslist.WithSigner(provider, cfg.Audit.SigningKeyID,
			cfg.StatusList.Issuer+"#key-1"))
	}
	lists := statuslist.NewStore(listStorage, storeOpts...)

	logOpts := []audit.Option{audit.WithEnabled(cfg.Audit.Enabled)}
	if cfg.Audit.SignEntries && cfg.Audit.SigningKeyID != "" {
		logOpts = append(logOpts, audit.WithSigner(provider, cfg.Audit.SigningKeyID))
	}
	log, err := audit.NewLog(ctx, auditStorage, logOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	var limiter core.Limiter = core.NewLocalLimiter(cfg.Limiter.RatePerSecond, cfg.Limiter.Burst)
	if cfg.Limiter.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Limiter.RedisAddr})
		limiter = core.NewRedisLimiter(client, "symphony:admission",
			int64(cfg.Limiter.RatePerSecond), time.Second)
	}

	c := core.New(core.Deps{
		Oracle:         oracle.New(oracle.WithWriteThreshold(cfg.Oracle.TrustScoreThresholdWrite)),
		StatusLists:    lists,
		AuditLog:       log,
		KMS:            provider,
		Limiter:        limiter,
		Obs:            obs,
		KMSTimeout:     cfg.Timeouts.KMS,
		StorageTimeout: cfg.Timeouts.Storage,
	})
	return &wiring{Core: c, Lists: lists, Log: log, Cleanup: cleanup}, nil
}

func buildKMS(ctx context.Context, cfg *config.Config) (kms.Provider, error) {
	switch cfg.KMS.Provider {
	case "local":
		return kms.NewLocalProvider(cfg.KMS.LocalStorePath, nil)
	case "aws":
		return kms.NewAWSProvider(ctx, kms.AWSConfig{Region: cfg.KMS.Region})
	case "gcp":
		return kms.NewGCPProvider(ctx, kms.GCPConfig{
			ProjectID: cfg.KMS.ProjectID,
			KeyRing:   cfg.KMS.KeyRing,
		})
	default:
		return nil, fmt.Errorf("unknown kms provider %q", cfg.KMS.Provider)
	}
}

func buildStorage(cfg *config.Config) (statuslist.Storage, audit.Storage, func(), error) {
	noop := func() {}
	switch cfg.Audit.StorageBackend {
	case "memory":
		return statuslist.NewMemoryStorage(), audit.NewMemoryStorage(), noop, nil
	case "file":
		ls, err := statuslist.NewFileStorage(cfg.Audit.StoragePath + ".lists")
		if err != nil {
			return nil, nil, noop, err
		}
		as, err := audit.NewFileStorage(cfg.Audit.StoragePath)
		if err != nil {
			return nil, nil, noop, err
		}
		return ls, as, noop, nil
	case "database":
		db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open database: %w", err)
		}
		db.SetConnMaxLifetime(5 * time.Minute)
		ls, err := statuslist.NewSQLStorage(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, noop, err
		}
		as, err := audit.NewSQLStorage(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, noop, err
		}
		return ls, as, func() { _ = db.Close() }, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Audit.StorageBackend)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Load()
	return cfg, cfg.Validate()
}
