package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/provider/billyfs"
	"github.com/openmined/syftsync/internal/provider/gdrive"
	"github.com/openmined/syftsync/internal/provider/memory"
	"github.com/openmined/syftsync/internal/provider/s3"
	"github.com/openmined/syftsync/internal/storage"
	"github.com/openmined/syftsync/internal/sync"
	"github.com/openmined/syftsync/internal/utils"
)

func overlaps(a, b string, caseSensitive bool) bool {
	if _, ok := provider.RelativePath(a, b, caseSensitive); ok {
		return true
	}
	_, ok := provider.RelativePath(b, a, caseSensitive)
	return ok
}

// StateDB is the sqlite file the sync journal lives in.
func (c *Config) StateDB() string {
	return filepath.Join(c.StateDir, stateDBName)
}

// LockFile guards the state directory against a second daemon.
func (c *Config) LockFile() string {
	return filepath.Join(c.StateDir, lockFileName)
}

// OpenStorage opens the configured key/value store.
func (c *Config) OpenStorage() (storage.Storage, error) {
	switch c.Storage {
	case StorageMemory:
		return storage.NewMemoryStorage(), nil
	case StorageSqlite, "":
		if err := utils.EnsureDir(c.StateDir); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		return storage.NewSqliteStorage(c.StateDB())
	}
	return nil, fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, c.Storage)
}

// LogValue keeps credentials out of logs.
func (p *ProviderConfig) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", p.Type)}
	switch p.Type {
	case ProviderLocal:
		attrs = append(attrs, slog.String("path", p.Path), slog.Bool("watch", p.Watch))
	case ProviderS3:
		attrs = append(attrs,
			slog.String("bucket", p.Bucket),
			slog.String("prefix", p.Prefix),
			slog.String("access_key", utils.MaskSecret(p.AccessKey)),
			slog.String("secret_key", utils.MaskSecret(p.SecretKey)),
		)
	case ProviderGDrive:
		attrs = append(attrs, slog.String("token_file", p.TokenFile))
	}
	return slog.GroupValue(attrs...)
}

// NewProvider builds the provider called name.
func (p *ProviderConfig) NewProvider(ctx context.Context, name string) (provider.Provider, error) {
	switch p.Type {
	case ProviderMemory:
		opts := []memory.Option{memory.WithName(name)}
		if p.CaseInsensitive {
			opts = append(opts, memory.WithCaseInsensitive())
		}
		return memory.New(opts...), nil

	case ProviderLocal:
		if err := utils.EnsureDir(p.Path); err != nil {
			return nil, fmt.Errorf("local provider %q: %w", name, err)
		}
		opts := []billyfs.Option{billyfs.WithName(name)}
		if p.CaseInsensitive {
			opts = append(opts, billyfs.WithCaseInsensitive())
		}
		if p.Watch {
			opts = append(opts, billyfs.WithWatcher(p.Path, 0))
		}
		return billyfs.NewLocal(p.Path, opts...), nil

	case ProviderS3:
		return s3.NewFromConfig(ctx, &s3.Config{
			Bucket:    p.Bucket,
			Prefix:    p.Prefix,
			Region:    p.Region,
			Endpoint:  p.Endpoint,
			AccessKey: p.AccessKey,
			SecretKey: p.SecretKey,
		})

	case ProviderGDrive:
		if p.CredentialsFile != "" {
			return gdrive.NewFromCredentialsFile(ctx, p.CredentialsFile, gdrive.WithName(name))
		}
		return gdrive.NewFromTokenFile(ctx, p.TokenFile, gdrive.WithName(name))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p.Type)
}

// BuildProviders creates every configured provider once, so instances that
// name the same provider share it.
func (c *Config) BuildProviders(ctx context.Context) (map[string]provider.Provider, error) {
	out := make(map[string]provider.Provider, len(c.Providers))
	for name, pc := range c.Providers {
		p, err := pc.NewProvider(ctx, name)
		if err != nil {
			return nil, err
		}
		slog.Debug("provider", "name", name, "config", pc)
		out[name] = p
	}
	return out, nil
}

// BuildEngines turns the instances into engine configs over providers. The
// storage is left for the manager to fill in.
func (c *Config) BuildEngines(providers map[string]provider.Provider) ([]*sync.EngineConfig, error) {
	configs := make([]*sync.EngineConfig, 0, len(c.Instances))
	for _, inst := range c.Instances {
		local, ok := providers[inst.Local]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, inst.Local)
		}
		remote, ok := providers[inst.Remote]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, inst.Remote)
		}
		policy, err := sync.ParseConflictPolicy(inst.Policy)
		if err != nil {
			return nil, err
		}

		ignore := sync.NewSyncIgnoreList(inst.Ignore...)
		if pc := c.Providers[inst.Local]; pc.Type == ProviderLocal {
			ignore.LoadFile(filepath.Join(pc.Path, filepath.FromSlash(inst.LocalRoot), sync.IgnoreFileName))
		}

		configs = append(configs, &sync.EngineConfig{
			Tag:       inst.Tag,
			Providers: [2]provider.Provider{local, remote},
			Roots:     [2]string{inst.LocalRoot, inst.RemoteRoot},
			Policy:    policy,
			Ignore:    ignore,
			Priority:  sync.NewSyncPriorityList(inst.Priority...),
			MaxPunts:  inst.MaxPunts,
		})
	}
	return configs, nil
}

// NewManager builds the providers, storage and engines of a validated config.
func (c *Config) NewManager(ctx context.Context) (*sync.SyncManager, error) {
	providers, err := c.BuildProviders(ctx)
	if err != nil {
		return nil, err
	}
	engines, err := c.BuildEngines(providers)
	if err != nil {
		return nil, err
	}
	store, err := c.OpenStorage()
	if err != nil {
		return nil, err
	}

	opts := []sync.ManagerOption{sync.WithInterval(c.Interval)}
	if c.Storage != StorageMemory {
		opts = append(opts, sync.WithLockFile(c.LockFile()))
	}
	m, err := sync.NewSyncManager(engines, store, opts...)
	if err != nil {
		if closer, ok := store.(interface{ Close() error }); ok {
			closer.Close()
		}
		return nil, err
	}
	return m, nil
}
