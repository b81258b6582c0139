package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/tessera/internal/worker"
)

// TestRunWithoutParent tests that a cluster started outside a Server
// exits with a failure instead of waiting for a parent
func TestRunWithoutParent(t *testing.T) {
	t.Setenv("TESSERA_TOKEN", "tok")
	t.Setenv("TESSERA_WORKER_PARENT_ADDR", "")
	assert.Equal(t, worker.ExitFailure, run())
}
