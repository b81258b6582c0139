package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/retry"
	"github.com/dreamware/tessera/internal/shard"
)

// EnvPrefix prefixes every environment variable, e.g. TESSERA_TOKEN or
// TESSERA_TIMING_GRACE.
const EnvPrefix = "TESSERA"

// Config represents the complete tessera configuration. Each binary reads
// the sections it needs.
type Config struct {
	// Host and Port are where the Brain listens. Servers dial them.
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`

	TLS     TLSConfig     `mapstructure:"tls"`
	Timing  TimingConfig  `mapstructure:"timing"`
	Restart RestartConfig `mapstructure:"restart"`
	Logging LoggingConfig `mapstructure:"logging"`
	Brain   BrainConfig   `mapstructure:"brain"`
	Server  ServerConfig  `mapstructure:"server"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

// TLSConfig points at PEM files. Leaving all empty means plaintext.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// CAFile verifies the parent's certificate when dialing.
	CAFile string `mapstructure:"ca_file"`
}

// Enabled reports whether any TLS material is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

// TimingConfig holds the liveness and reconciliation policy.
type TimingConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses   int           `mapstructure:"heartbeat_misses"`
	// Grace is how long a disconnected node keeps its uid and ranges.
	Grace             time.Duration `mapstructure:"grace"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout"`
	StatusTimeout     time.Duration `mapstructure:"status_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// SpawnTimeout bounds the wait for a spawned cluster to register.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// RestartConfig is the supervisor's restart policy.
type RestartConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	MaxRestarts int           `mapstructure:"max_restarts"`
	ResetAfter  time.Duration `mapstructure:"reset_after"`
}

// LoggingConfig controls zap.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// BrainConfig holds the declared topology and the status API address.
type BrainConfig struct {
	TotalServers      int    `mapstructure:"total_servers"`
	ClustersPerServer int    `mapstructure:"clusters_per_server"`
	ShardsPerCluster  int    `mapstructure:"shards_per_cluster"`
	StatusAddr        string `mapstructure:"status_addr"`
}

// ServerConfig controls a Server node.
type ServerConfig struct {
	// Listen is where the Server accepts its own clusters.
	Listen           string   `mapstructure:"listen"`
	WorkerEntrypoint string   `mapstructure:"worker_entrypoint"`
	WorkerArgs       []string `mapstructure:"worker_args"`
}

// WorkerConfig is what a spawning Server hands to a cluster process.
type WorkerConfig struct {
	ParentAddr  string `mapstructure:"parent_addr"`
	ShardStart  int    `mapstructure:"shard_start"`
	ShardStop   int    `mapstructure:"shard_stop"`
	TotalShards int    `mapstructure:"total_shards"`
	ServerUID   int    `mapstructure:"server_uid"`
	PrevUID     int    `mapstructure:"prev_uid"`
	Session     string `mapstructure:"session"`
}

// Range returns the inherited shard range.
func (c WorkerConfig) Range() shard.Range {
	return shard.Range{Start: c.ShardStart, Stop: c.ShardStop}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 7600,
		Timing: TimingConfig{
			HeartbeatInterval: time.Second,
			HeartbeatMisses:   3,
			Grace:             30 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			RegisterTimeout:   5 * time.Second,
			StatusTimeout:     3 * time.Second,
			ReconcileInterval: time.Second,
			SpawnTimeout:      30 * time.Second,
			DrainTimeout:      10 * time.Second,
		},
		Restart: RestartConfig{
			Initial:     time.Second,
			Max:         30 * time.Second,
			MaxRestarts: 5,
			ResetAfter:  time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Brain: BrainConfig{
			TotalServers:      1,
			ClustersPerServer: 1,
			ShardsPerCluster:  1,
			StatusAddr:        "127.0.0.1:7601",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:0",
		},
	}
}

// New returns a viper instance with defaults registered and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers default values with v. Every key must have a
// default so that AutomaticEnv can find it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("token", defaults.Token)

	// TLS defaults
	v.SetDefault("tls.cert_file", defaults.TLS.CertFile)
	v.SetDefault("tls.key_file", defaults.TLS.KeyFile)
	v.SetDefault("tls.ca_file", defaults.TLS.CAFile)

	// Timing defaults
	v.SetDefault("timing.heartbeat_interval", defaults.Timing.HeartbeatInterval)
	v.SetDefault("timing.heartbeat_misses", defaults.Timing.HeartbeatMisses)
	v.SetDefault("timing.grace", defaults.Timing.Grace)
	v.SetDefault("timing.handshake_timeout", defaults.Timing.HandshakeTimeout)
	v.SetDefault("timing.register_timeout", defaults.Timing.RegisterTimeout)
	v.SetDefault("timing.status_timeout", defaults.Timing.StatusTimeout)
	v.SetDefault("timing.reconcile_interval", defaults.Timing.ReconcileInterval)
	v.SetDefault("timing.spawn_timeout", defaults.Timing.SpawnTimeout)
	v.SetDefault("timing.drain_timeout", defaults.Timing.DrainTimeout)

	// Restart defaults
	v.SetDefault("restart.initial", defaults.Restart.Initial)
	v.SetDefault("restart.max", defaults.Restart.Max)
	v.SetDefault("restart.max_restarts", defaults.Restart.MaxRestarts)
	v.SetDefault("restart.reset_after", defaults.Restart.ResetAfter)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.development", defaults.Logging.Development)

	// Brain defaults
	v.SetDefault("brain.total_servers", defaults.Brain.TotalServers)
	v.SetDefault("brain.clusters_per_server", defaults.Brain.ClustersPerServer)
	v.SetDefault("brain.shards_per_cluster", defaults.Brain.ShardsPerCluster)
	v.SetDefault("brain.status_addr", defaults.Brain.StatusAddr)

	// Server defaults
	v.SetDefault("server.listen", defaults.Server.Listen)
	v.SetDefault("server.worker_entrypoint", defaults.Server.WorkerEntrypoint)
	v.SetDefault("server.worker_args", defaults.Server.WorkerArgs)

	// Worker defaults
	v.SetDefault("worker.parent_addr", defaults.Worker.ParentAddr)
	v.SetDefault("worker.shard_start", defaults.Worker.ShardStart)
	v.SetDefault("worker.shard_stop", defaults.Worker.ShardStop)
	v.SetDefault("worker.total_shards", defaults.Worker.TotalShards)
	v.SetDefault("worker.server_uid", defaults.Worker.ServerUID)
	v.SetDefault("worker.prev_uid", defaults.Worker.PrevUID)
	v.SetDefault("worker.session", defaults.Worker.Session)
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func check(cfg *Config, errs []ValidationError) (*Config, error) {
	if len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return cfg, nil
}

// LoadBrain reads and validates the Brain's configuration.
func LoadBrain(v *viper.Viper) (*Config, error) {
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	return check(cfg, cfg.ValidateBrain())
}

// LoadServer reads and validates a Server's configuration.
func LoadServer(v *viper.Viper) (*Config, error) {
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	return check(cfg, cfg.ValidateServer())
}

// LoadCluster reads and validates a cluster process's configuration.
func LoadCluster(v *viper.Viper) (*Config, error) {
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	return check(cfg, cfg.ValidateCluster())
}

// Addr is the Brain's host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Targets returns the declared topology sizes.
func (c *Config) Targets() cluster.Targets {
	return cluster.Targets{
		TotalServers:      c.Brain.TotalServers,
		ClustersPerServer: c.Brain.ClustersPerServer,
		ShardsPerCluster:  c.Brain.ShardsPerCluster,
	}
}

// KeepAlive returns the connection heartbeat policy.
func (c *Config) KeepAlive() ipc.KeepAlive {
	return ipc.KeepAlive{Interval: c.Timing.HeartbeatInterval, Misses: c.Timing.HeartbeatMisses}
}

// RestartPolicy returns the supervisor's backoff schedule.
func (c *Config) RestartPolicy() retry.Policy {
	return retry.Policy{
		Initial:     c.Restart.Initial,
		Max:         c.Restart.Max,
		Factor:      2,
		MaxAttempts: c.Restart.MaxRestarts,
	}
}

// ReconnectPolicy returns the backoff used while dialing a parent.
func (c *Config) ReconnectPolicy() retry.Policy {
	return retry.Policy{
		Initial: c.Timing.HeartbeatInterval / 2,
		Max:     c.Timing.HeartbeatInterval * 4,
		Factor:  2,
	}
}

// ListenerTLS builds the TLS config for accepting children, or nil for
// plaintext.
func (c *Config) ListenerTLS() (*tls.Config, error) {
	if c.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// DialTLS builds the TLS config for dialing a parent, or nil for plaintext.
func (c *Config) DialTLS() (*tls.Config, error) {
	if c.TLS.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.TLS.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.TLS.CAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// DialCredential returns the credential used toward the parent.
func (c *Config) DialCredential() (cluster.Credential, error) {
	tlsCfg, err := c.DialTLS()
	if err != nil {
		return cluster.Credential{}, err
	}
	return cluster.Credential{Token: c.Token, TLS: tlsCfg}, nil
}

// WorkerEnv returns the variables a Server hands to a cluster process: its
// parent address, credentials, inherited range and the shared timing
// policy. Nothing else of the Server's configuration leaks to the worker.
func (c *Config) WorkerEnv(w WorkerConfig) []string {
	env := map[string]string{
		"token":                     c.Token,
		"tls.ca_file":               c.TLS.CAFile,
		"logging.level":             c.Logging.Level,
		"logging.development":       strconv.FormatBool(c.Logging.Development),
		"timing.heartbeat_interval": c.Timing.HeartbeatInterval.String(),
		"timing.heartbeat_misses":   strconv.Itoa(c.Timing.HeartbeatMisses),
		"timing.grace":              c.Timing.Grace.String(),
		"timing.handshake_timeout":  c.Timing.HandshakeTimeout.String(),
		"timing.register_timeout":   c.Timing.RegisterTimeout.String(),
		"timing.drain_timeout":      c.Timing.DrainTimeout.String(),
		"worker.parent_addr":        w.ParentAddr,
		"worker.shard_start":        strconv.Itoa(w.ShardStart),
		"worker.shard_stop":         strconv.Itoa(w.ShardStop),
		"worker.total_shards":       strconv.Itoa(w.TotalShards),
		"worker.server_uid":         strconv.Itoa(w.ServerUID),
		"worker.prev_uid":           strconv.Itoa(w.PrevUID),
		"worker.session":            w.Session,
	}

	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, EnvKey(key)+"="+value)
	}
	return out
}

// FromEnv returns a viper instance that reads its values from env, a list
// of KEY=VALUE pairs such as WorkerEnv produces, instead of the process
// environment. In-process workers load their configuration with it.
func FromEnv(env []string) *viper.Viper {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if key, value, ok := strings.Cut(kv, "="); ok {
			vars[key] = value
		}
	}

	v := viper.New()
	SetDefaults(v)
	for _, key := range v.AllKeys() {
		if value, ok := vars[EnvKey(key)]; ok {
			v.Set(key, value)
		}
	}
	return v
}

// BindFlags binds command line flags to configuration keys, so a flag the
// user set overrides the file and the environment. Unknown flag names are
// skipped.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if f := flags.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// EnvKey maps a config key to its environment variable name.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
