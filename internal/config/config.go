package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/syftsync/internal/sync"
	"github.com/openmined/syftsync/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderS3     = "s3"
	ProviderGDrive = "gdrive"

	StorageSqlite = "sqlite"
	StorageMemory = "memory"

	EnvPrefix        = "SYFTSYNC"
	DefaultHTTPAddr  = "127.0.0.1:7939"
	DefaultInterval  = time.Second
	stateDBName      = "state.db"
	lockFileName     = "syftsync.lock"
	defaultLogName   = "syftsync.log"
	defaultStateName = ".syftsync"
)

var (
	home, _           = os.UserHomeDir()
	DefaultStateDir   = filepath.Join(home, defaultStateName)
	DefaultConfigPath = filepath.Join(DefaultStateDir, "config.yaml")
	DefaultLogFile    = filepath.Join(DefaultStateDir, "logs", defaultLogName)
)

var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrNoInstances     = errors.New("no sync instances configured")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Config is the daemon configuration: named providers and the sync instances
// that pair them.
type Config struct {
	StateDir  string                     `yaml:"state_dir" mapstructure:"state_dir"`
	Storage   string                     `yaml:"storage" mapstructure:"storage"`
	LogFile   string                     `yaml:"log_file,omitempty" mapstructure:"log_file"`
	HTTPAddr  string                     `yaml:"http_addr" mapstructure:"http_addr"`
	HTTPToken string                     `yaml:"http_token,omitempty" mapstructure:"http_token"`
	Interval  time.Duration              `yaml:"interval" mapstructure:"interval"`
	Providers map[string]*ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Instances []*InstanceConfig          `yaml:"instances" mapstructure:"instances"`
	Path      string                     `yaml:"-" mapstructure:"-"`
}

// ProviderConfig describes one storage backend. Fields apply per Type.
type ProviderConfig struct {
	Type            string `yaml:"type" mapstructure:"type"`
	CaseInsensitive bool   `yaml:"case_insensitive,omitempty" mapstructure:"case_insensitive"`

	// local
	Path  string `yaml:"path,omitempty" mapstructure:"path"`
	Watch bool   `yaml:"watch,omitempty" mapstructure:"watch"`

	// s3
	Bucket    string `yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region    string `yaml:"region,omitempty" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key,omitempty" mapstructure:"secret_key"`

	// gdrive
	TokenFile       string `yaml:"token_file,omitempty" mapstructure:"token_file"`
	CredentialsFile string `yaml:"credentials_file,omitempty" mapstructure:"credentials_file"`
}

// InstanceConfig pairs a subtree of two named providers.
type InstanceConfig struct {
	Tag        string   `yaml:"tag" mapstructure:"tag"`
	Local      string   `yaml:"local" mapstructure:"local"`
	LocalRoot  string   `yaml:"local_root" mapstructure:"local_root"`
	Remote     string   `yaml:"remote" mapstructure:"remote"`
	RemoteRoot string   `yaml:"remote_root" mapstructure:"remote_root"`
	Policy     string   `yaml:"conflict_policy,omitempty" mapstructure:"conflict_policy"`
	Ignore     []string `yaml:"ignore,omitempty" mapstructure:"ignore"`
	Priority   []string `yaml:"priority,omitempty" mapstructure:"priority"`
	MaxPunts   int      `yaml:"max_punts,omitempty" mapstructure:"max_punts"`
}

// Default returns an empty configuration with every default filled in.
func Default() *Config {
	return &Config{
		StateDir:  DefaultStateDir,
		Storage:   StorageSqlite,
		HTTPAddr:  DefaultHTTPAddr,
		Interval:  DefaultInterval,
		Providers: map[string]*ProviderConfig{},
		Path:      DefaultConfigPath,
	}
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Save writes the config as YAML to path.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the config and normalizes paths and defaults in place.
func (c *Config) Validate() error {
	var err error

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("%w: state dir: %v", ErrInvalidConfig, err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("%w: config path: %v", ErrInvalidConfig, err)
		}
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("%w: log file: %v", ErrInvalidConfig, err)
		}
	}

	switch c.Storage {
	case "":
		c.Storage = StorageSqlite
	case StorageSqlite, StorageMemory:
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, c.Storage)
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	for name, p := range c.Providers {
		if err := p.validate(name); err != nil {
			return err
		}
	}

	if len(c.Instances) == 0 {
		return ErrNoInstances
	}
	tags := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if err := inst.validate(c.Providers); err != nil {
			return err
		}
		if tags[inst.Tag] {
			return fmt.Errorf("%w: duplicate instance tag %q", ErrInvalidConfig, inst.Tag)
		}
		tags[inst.Tag] = true
	}

	return c.checkDisjoint()
}

func (p *ProviderConfig) validate(name string) error {
	if p == nil {
		return fmt.Errorf("%w: provider %q is empty", ErrInvalidConfig, name)
	}
	switch p.Type {
	case ProviderMemory:
	case ProviderLocal:
		if p.Path == "" {
			return fmt.Errorf("%w: local provider %q needs a path", ErrInvalidConfig, name)
		}
		path, err := utils.ResolvePath(p.Path)
		if err != nil {
			return fmt.Errorf("%w: provider %q path: %v", ErrInvalidConfig, name, err)
		}
		p.Path = path
	case ProviderS3:
		if p.Bucket == "" {
			return fmt.Errorf("%w: s3 provider %q needs a bucket", ErrInvalidConfig, name)
		}
	case ProviderGDrive:
		if p.TokenFile == "" && p.CredentialsFile == "" {
			return fmt.Errorf("%w: gdrive provider %q needs a token_file or credentials_file", ErrInvalidConfig, name)
		}
	default:
		return fmt.Errorf("%w: provider %q has type %q", ErrUnknownProvider, name, p.Type)
	}
	return nil
}

func (i *InstanceConfig) validate(providers map[string]*ProviderConfig) error {
	if !sync.ValidTag(i.Tag) {
		return fmt.Errorf("%w: instance tag %q", ErrInvalidConfig, i.Tag)
	}
	for _, name := range []string{i.Local, i.Remote} {
		if _, ok := providers[name]; !ok {
			return fmt.Errorf("%w: instance %q uses %q", ErrUnknownProvider, i.Tag, name)
		}
	}
	if i.Local == i.Remote {
		return fmt.Errorf("%w: instance %q pairs provider %q with itself", ErrInvalidConfig, i.Tag, i.Local)
	}
	if i.LocalRoot == "" {
		i.LocalRoot = "/"
	}
	if i.RemoteRoot == "" {
		i.RemoteRoot = "/"
	}
	if _, err := sync.ParseConflictPolicy(i.Policy); err != nil {
		return fmt.Errorf("%w: instance %q: %v", ErrInvalidConfig, i.Tag, err)
	}
	return nil
}

// checkDisjoint rejects instances syncing overlapping subtrees of one
// provider. Providers are compared by name.
func (c *Config) checkDisjoint() error {
	type claim struct {
		tag, root string
	}
	claims := make(map[string][]claim)
	for _, inst := range c.Instances {
		for _, side := range [][2]string{{inst.Local, inst.LocalRoot}, {inst.Remote, inst.RemoteRoot}} {
			name, root := side[0], side[1]
			cs := !c.Providers[name].CaseInsensitive
			for _, prev := range claims[name] {
				if overlaps(prev.root, root, cs) {
					return fmt.Errorf("%w: %s:%s and %s:%s on provider %q",
						sync.ErrOverlappingRoots, prev.tag, prev.root, inst.Tag, root, name)
				}
			}
			claims[name] = append(claims[name], claim{tag: inst.Tag, root: root})
		}
	}
	return nil
}
