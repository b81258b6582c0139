package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/shard"
)

func TestPrintView(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
	}{
		{format: "yaml"},
		{format: ""},
		{format: "json"},
		{format: "toml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			err := printView(&buf, sampleView(), tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got coordinator.View
			if tt.format == "json" {
				require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
			} else {
				require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
			}
			assert.Equal(t, 6, got.TotalShards)
			assert.Len(t, got.Ranges, 2)
			assert.Equal(t, 2, got.Ranges[0].Cluster)
		})
	}
}

func TestCommandWiring(t *testing.T) {
	assert.Equal(t, "tessera-brain", rootCmd.Use)

	for _, name := range []string{"host", "port", "token", "total-servers", "clusters-per-server", "shards-per-cluster", "log-level"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), name)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("status-addr"))

	sub, _, err := rootCmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, statusCmd, sub)
	assert.Equal(t, "yaml", sub.Flags().Lookup("output").DefValue)

	for _, name := range []string{"rebalance", "shutdown"} {
		sub, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

// TestClientCommands drives the client subcommands against a status API
// backed by a fake Brain.
func TestClientCommands(t *testing.T) {
	fb := &fakeBrain{view: sampleView(), cleared: []shard.Range{{Start: 3, Stop: 6}}}
	srv := httptest.NewServer(newAPI(fb, time.Second, nil).routes())
	defer srv.Close()
	v.Set("brain.status_addr", strings.TrimPrefix(srv.URL, "http://"))

	for _, cmd := range []*cobra.Command{statusCmd, rebalanceCmd, shutdownCmd} {
		cmd.SetContext(context.Background())
	}

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	require.NoError(t, statusCmd.Flags().Set("output", "json"))
	require.NoError(t, runStatus(statusCmd, nil))
	assert.Contains(t, out.String(), `"total_shards": 6`)

	out.Reset()
	rebalanceCmd.SetOut(&out)
	require.NoError(t, runRebalance(rebalanceCmd, nil))
	assert.Equal(t, "cleared [3,6)\n", out.String())

	out.Reset()
	shutdownCmd.SetOut(&out)
	require.NoError(t, shutdownCmd.Flags().Set("reason", "maintenance"))
	require.NoError(t, runShutdown(shutdownCmd, nil))
	assert.Equal(t, "maintenance", fb.gotReason)
	assert.Equal(t, "drained\n", out.String())
}
