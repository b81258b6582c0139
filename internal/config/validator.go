package config

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/exp/slices"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "timing.heartbeat_misses")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidateBrain checks everything the Brain reads.
func (c *Config) ValidateBrain() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateCommon()...)
	errors = append(errors, c.validatePort()...)
	errors = append(errors, c.validateTopology()...)
	if c.Brain.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(c.Brain.StatusAddr); err != nil {
			errors = append(errors, ValidationError{"brain.status_addr", c.Brain.StatusAddr, "must be host:port"})
		}
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" || c.TLS.CertFile == "" && c.TLS.KeyFile != "" {
		errors = append(errors, ValidationError{"tls.cert_file", c.TLS.CertFile, "cert_file and key_file must be set together"})
	}
	return errors
}

// ValidateServer checks everything a Server reads.
func (c *Config) ValidateServer() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateCommon()...)
	errors = append(errors, c.validatePort()...)
	errors = append(errors, c.validateRestart()...)
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errors = append(errors, ValidationError{"server.listen", c.Server.Listen, "must be host:port"})
	}
	if c.Server.WorkerEntrypoint == "" {
		errors = append(errors, ValidationError{"server.worker_entrypoint", c.Server.WorkerEntrypoint, "is required"})
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" || c.TLS.CertFile == "" && c.TLS.KeyFile != "" {
		errors = append(errors, ValidationError{"tls.cert_file", c.TLS.CertFile, "cert_file and key_file must be set together"})
	}
	return errors
}

// ValidateCluster checks what a cluster process inherits from its Server.
func (c *Config) ValidateCluster() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateCommon()...)
	if c.Worker.ParentAddr == "" {
		errors = append(errors, ValidationError{"worker.parent_addr", c.Worker.ParentAddr, "is required"})
	}
	if err := c.Worker.Range().Validate(); err != nil {
		errors = append(errors, ValidationError{"worker.shard_start", c.Worker.Range(), err.Error()})
	}
	if c.Worker.TotalShards < c.Worker.ShardStop {
		errors = append(errors, ValidationError{"worker.total_shards", c.Worker.TotalShards, "must cover the inherited range"})
	}
	return errors
}

func (c *Config) validateCommon() []ValidationError {
	var errors []ValidationError

	if c.Token == "" {
		errors = append(errors, ValidationError{"token", "", "is required"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{"logging.level", c.Logging.Level, fmt.Sprintf("must be one of %v", ValidLogLevels())})
	}

	t := c.Timing
	durations := []struct {
		field string
		value any
		ok    bool
	}{
		{"timing.heartbeat_interval", t.HeartbeatInterval, t.HeartbeatInterval > 0},
		{"timing.grace", t.Grace, t.Grace > 0},
		{"timing.handshake_timeout", t.HandshakeTimeout, t.HandshakeTimeout > 0},
		{"timing.register_timeout", t.RegisterTimeout, t.RegisterTimeout > 0},
		{"timing.status_timeout", t.StatusTimeout, t.StatusTimeout > 0},
		{"timing.reconcile_interval", t.ReconcileInterval, t.ReconcileInterval > 0},
		{"timing.spawn_timeout", t.SpawnTimeout, t.SpawnTimeout > 0},
		{"timing.drain_timeout", t.DrainTimeout, t.DrainTimeout > 0},
	}
	for _, d := range durations {
		if !d.ok {
			errors = append(errors, ValidationError{d.field, d.value, "must be positive"})
		}
	}
	if t.HeartbeatMisses < 1 {
		errors = append(errors, ValidationError{"timing.heartbeat_misses", t.HeartbeatMisses, "must be at least 1"})
	}
	return errors
}

func (c *Config) validatePort() []ValidationError {
	if c.Port < 1 || c.Port > 65535 {
		return []ValidationError{{"port", c.Port, "must be between 1 and 65535"}}
	}
	return nil
}

func (c *Config) validateTopology() []ValidationError {
	var errors []ValidationError
	fields := []struct {
		field string
		value int
	}{
		{"brain.total_servers", c.Brain.TotalServers},
		{"brain.clusters_per_server", c.Brain.ClustersPerServer},
		{"brain.shards_per_cluster", c.Brain.ShardsPerCluster},
	}
	for _, f := range fields {
		if f.value < 1 {
			errors = append(errors, ValidationError{f.field, f.value, "must be at least 1"})
		}
	}
	return errors
}

func (c *Config) validateRestart() []ValidationError {
	var errors []ValidationError
	if c.Restart.Initial <= 0 {
		errors = append(errors, ValidationError{"restart.initial", c.Restart.Initial, "must be positive"})
	}
	if c.Restart.Max < c.Restart.Initial {
		errors = append(errors, ValidationError{"restart.max", c.Restart.Max, "must not be below restart.initial"})
	}
	if c.Restart.MaxRestarts < 1 {
		errors = append(errors, ValidationError{"restart.max_restarts", c.Restart.MaxRestarts, "must be at least 1"})
	}
	return errors
}
