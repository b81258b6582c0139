package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/shard"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:7600", cfg.Addr())
	assert.Equal(t, time.Second, cfg.Timing.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Timing.HeartbeatMisses)
	assert.Equal(t, 30*time.Second, cfg.Timing.Grace)
	assert.Equal(t, 5, cfg.Restart.MaxRestarts)

	ka := cfg.KeepAlive()
	assert.Equal(t, 3*time.Second, ka.Window())

	p := cfg.RestartPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	_, ok := p.Next(6)
	assert.False(t, ok)
}

func TestDefaultNeedsToken(t *testing.T) {
	cfg := Default()
	errs := cfg.ValidateBrain()
	require.Len(t, errs, 1)
	assert.Equal(t, "token", errs[0].Field)

	cfg.Token = "t"
	assert.Empty(t, cfg.ValidateBrain())
}

func TestLoadBrainFromEnv(t *testing.T) {
	t.Setenv("TESSERA_TOKEN", "abc")
	t.Setenv("TESSERA_BRAIN_TOTAL_SERVERS", "2")
	t.Setenv("TESSERA_BRAIN_CLUSTERS_PER_SERVER", "2")
	t.Setenv("TESSERA_BRAIN_SHARDS_PER_CLUSTER", "3")
	t.Setenv("TESSERA_TIMING_GRACE", "45s")

	cfg, err := LoadBrain(New())
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Token)
	assert.Equal(t, 12, cfg.Targets().TotalShards())
	assert.Equal(t, 45*time.Second, cfg.Timing.Grace)
}

func TestLoadBrainFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.yaml")
	yaml := `
token: from-file
port: 9100
brain:
  total_servers: 3
  clusters_per_server: 1
  shards_per_cluster: 4
timing:
  heartbeat_interval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := LoadBrain(v)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 3, cfg.Brain.TotalServers)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.HeartbeatInterval)

	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
	assert.NoError(t, ReadFile(New(), ""))
}

func TestLoadBrainRejectsBadTopology(t *testing.T) {
	v := New()
	v.Set("token", "x")
	v.Set("brain.total_servers", 0)
	v.Set("timing.heartbeat_misses", 0)

	_, err := LoadBrain(v)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"brain.total_servers", "timing.heartbeat_misses"}, fields)
	assert.Contains(t, err.Error(), "2 validation errors")
}

func TestLoadServerNeedsEntrypoint(t *testing.T) {
	v := New()
	v.Set("token", "x")
	_, err := LoadServer(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.worker_entrypoint")

	v.Set("server.worker_entrypoint", "/usr/local/bin/tessera-cluster")
	cfg, err := LoadServer(v)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Listen)
}

func TestWorkerEnvRoundTrip(t *testing.T) {
	parent := Default()
	parent.Token = "tok"
	parent.Timing.Grace = 12 * time.Second
	parent.Logging.Level = "debug"

	env := parent.WorkerEnv(WorkerConfig{
		ParentAddr:  "127.0.0.1:4000",
		ShardStart:  3,
		ShardStop:   6,
		TotalShards: 6,
		ServerUID:   2,
		PrevUID:     9,
		Session:     "s-1",
	})
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		require.True(t, ok)
		require.True(t, strings.HasPrefix(key, "TESSERA_"), key)
		t.Setenv(key, value)
	}

	cfg, err := LoadCluster(New())
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "127.0.0.1:4000", cfg.Worker.ParentAddr)
	assert.Equal(t, shard.Range{Start: 3, Stop: 6}, cfg.Worker.Range())
	assert.Equal(t, 6, cfg.Worker.TotalShards)
	assert.Equal(t, 2, cfg.Worker.ServerUID)
	assert.Equal(t, 9, cfg.Worker.PrevUID)
	assert.Equal(t, "s-1", cfg.Worker.Session)
	assert.Equal(t, 12*time.Second, cfg.Timing.Grace)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestFromEnvIgnoresProcessEnvironment(t *testing.T) {
	t.Setenv("TESSERA_WORKER_SHARD_STOP", "99")

	parent := Default()
	parent.Token = "tok"
	env := parent.WorkerEnv(WorkerConfig{ParentAddr: "127.0.0.1:4000", ShardStart: 0, ShardStop: 3, TotalShards: 3})

	cfg, err := LoadCluster(FromEnv(env))
	require.NoError(t, err)
	assert.Equal(t, shard.Range{Start: 0, Stop: 3}, cfg.Worker.Range())
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, time.Second, cfg.Timing.HeartbeatInterval)
}

func TestWorkerEnvDoesNotLeakServerSettings(t *testing.T) {
	parent := Default()
	parent.Token = "tok"
	parent.TLS.KeyFile = "/secret/key.pem"
	parent.Server.WorkerEntrypoint = "/bin/worker"

	for _, kv := range parent.WorkerEnv(WorkerConfig{}) {
		assert.NotContains(t, kv, "/secret/key.pem")
		assert.NotContains(t, kv, "WORKER_ENTRYPOINT")
	}
}

func TestLoadClusterRejectsBadRange(t *testing.T) {
	v := New()
	v.Set("token", "x")
	v.Set("worker.parent_addr", "127.0.0.1:1")
	v.Set("worker.shard_start", 6)
	v.Set("worker.shard_stop", 3)

	_, err := LoadCluster(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.shard_start")
}

func TestTLSLoading(t *testing.T) {
	cfg := Default()
	tlsCfg, err := cfg.ListenerTLS()
	assert.NoError(t, err)
	assert.Nil(t, tlsCfg)

	cred, err := cfg.DialCredential()
	require.NoError(t, err)
	assert.Nil(t, cred.TLS)

	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	cfg.TLS.CAFile = bad
	_, err = cfg.DialTLS()
	assert.Error(t, err)

	cfg.TLS.CAFile = filepath.Join(dir, "missing.pem")
	_, err = cfg.DialTLS()
	assert.Error(t, err)

	cfg.TLS.CertFile = filepath.Join(dir, "cert.pem")
	cfg.TLS.KeyFile = filepath.Join(dir, "key.pem")
	_, err = cfg.ListenerTLS()
	assert.Error(t, err)
	assert.True(t, cfg.TLS.Enabled())
}

func TestValidationErrorsFormat(t *testing.T) {
	assert.Equal(t, "", ValidationErrors(nil).Error())
	one := ValidationErrors{{Field: "port", Value: 0, Message: "must be between 1 and 65535"}}
	assert.Equal(t, "port: must be between 1 and 65535 (got: 0)", one.Error())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "TESSERA_TIMING_GRACE", EnvKey("timing.grace"))
	assert.Equal(t, "TESSERA_TOKEN", EnvKey("token"))
}

func TestBindFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("total-servers", 0, "")
	flags.String("token", "", "")

	t.Setenv("TESSERA_TOKEN", "from-env")
	v := New()
	BindFlags(v, flags, map[string]string{
		"total-servers": "brain.total_servers",
		"token":         "token",
		"missing":       "brain.shards_per_cluster",
	})
	require.NoError(t, flags.Parse([]string{"--total-servers", "4"}))

	assert.Equal(t, 4, v.GetInt("brain.total_servers"))
	assert.Equal(t, "from-env", v.GetString("token"), "unset flags do not override")
	assert.Equal(t, 1, v.GetInt("brain.shards_per_cluster"))
}
