package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("JWT_SECRET", "ctl-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSettleOnEmptyLedger(t *testing.T) {
	out, err := runCtl(t, "settle")
	require.NoError(t, err)
	var report map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0, report["Scanned"])
}

func TestOutboxFlushReportsCount(t *testing.T) {
	out, err := runCtl(t, "outbox", "flush")
	require.NoError(t, err)
	assert.JSONEq(t, `{"published":0}`, out)
}

func TestPayoutConfirmRequiresRef(t *testing.T) {
	_, err := runCtl(t, "payout", "confirm", "rwd_1")
	assert.ErrorContains(t, err, "ref")
}

func TestPayoutConfirmUnknownEntry(t *testing.T) {
	_, err := runCtl(t, "payout", "confirm", "rwd_missing", "--ref", "po_1")
	assert.Error(t, err)
}
