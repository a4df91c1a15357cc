package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reqflow "github.com/sparvidata/sparvi-reqflow"
)

const sampleYAML = `
base_url: https://api.example.com/api
timeout: 15s
batch_limit: 4
breaker:
  failure_threshold: 3
policies:
  - prefix: connections
    ttl: 20s
    min_interval: 5s
    envelope: connections
  - prefix: metadata/status
    ttl: 2s
    envelope: data
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reqflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFromEnvMap_Defaults(t *testing.T) {
	cfg, err := FromEnvMap(map[string]string{"REQFLOW_BASE_URL": "https://api.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 0, cfg.BatchLimit, "no cap by default")
	assert.Equal(t, 10*time.Second, cfg.DefaultMinInterval)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "selectedResourceId", cfg.Session.Key)
	assert.Empty(t, cfg.Session.RedisURL)
}

func TestFromEnvMap_Overrides(t *testing.T) {
	cfg, err := FromEnvMap(map[string]string{
		"REQFLOW_BASE_URL":                  "https://api.example.com",
		"REQFLOW_TIMEOUT":                   "5s",
		"REQFLOW_DEBUG":                     "true",
		"REQFLOW_BREAKER_DISABLED":          "true",
		"REQFLOW_BREAKER_FAILURE_THRESHOLD": "9",
		"REQFLOW_SESSION_PREFIX":            "dash:",
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.Breaker.Disabled)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "dash:", cfg.Session.Prefix)
}

func TestFromEnvMap_Invalid(t *testing.T) {
	_, err := FromEnvMap(map[string]string{"REQFLOW_BATCH_LIMIT": "-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_limit cannot be negative")

	_, err = FromEnvMap(map[string]string{"REQFLOW_TIMEOUT": "soon"})
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api", cfg.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.BatchLimit)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, reqflow.DefaultTTL, cfg.DefaultTTL)
	require.Len(t, cfg.Policies, 2)
	assert.Equal(t, "connections", cfg.Policies[0].Prefix)
	assert.Equal(t, 20*time.Second, cfg.Policies[0].TTL)
	assert.Equal(t, "data", cfg.Policies[1].Envelope)
}

func TestFromFile_EnvOverridesScalars(t *testing.T) {
	t.Setenv("REQFLOW_TIMEOUT", "7s")

	cfg, err := FromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Timeout)
}

func TestFromFile_Errors(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = FromFile(writeConfig(t, `
policies:
  - ttl: 1s
  - prefix: tables
  - prefix: tables
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policies[0]: prefix is required")
	assert.Contains(t, err.Error(), `duplicate prefix "tables"`)
}

func TestPolicyClass_Policy(t *testing.T) {
	plain := PolicyClass{Prefix: "a", TTL: time.Second}.Policy()
	assert.Nil(t, plain.Normalize)
	assert.Equal(t, time.Second, plain.TTL)

	data := PolicyClass{Envelope: "data"}.Policy()
	require.NotNil(t, data.Normalize)
	out, err := data.Normalize(json.RawMessage(`{"data":{"ok":true}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	envelope := PolicyClass{Envelope: "tables"}.Policy()
	require.NotNil(t, envelope.Normalize)
	out, err = envelope.Normalize(json.RawMessage(`{"tables":[1,2]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(out))
}

func TestApplyPolicies(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	reg := reqflow.NewPolicyRegistry(reqflow.DefaultPolicy())
	cfg.ApplyPolicies(reg)

	p, prefix := reg.Lookup("metadata/status?table=orders")
	assert.Equal(t, "metadata/status", prefix)
	assert.Equal(t, 2*time.Second, p.TTL)
	assert.Equal(t, reqflow.DefaultMinInterval, p.MinInterval)
}

func TestOptions_BuildsValidClient(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	opts, rdb, err := cfg.Options()
	require.NoError(t, err)
	assert.Nil(t, rdb)

	client := reqflow.New(opts...)
	defer client.Close()
	require.True(t, client.IsValid(), "%v", client.ValidationError())

	p, _ := client.Policies().Lookup("connections/1")
	assert.Equal(t, 20*time.Second, p.TTL)
}

func TestOptions_RedisSession(t *testing.T) {
	cfg, err := FromEnvMap(map[string]string{
		"REQFLOW_BASE_URL":          "https://api.example.com",
		"REQFLOW_SESSION_REDIS_URL": "redis://localhost:6379/2",
	})
	require.NoError(t, err)

	opts, rdb, err := cfg.Options()
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer rdb.Close()
	assert.Equal(t, 2, rdb.Options().DB)
	assert.NotEmpty(t, opts)

	cfg.Session.RedisURL = "://bad"
	_, _, err = cfg.Options()
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	var changes atomic.Int32
	w, err := Watch(path, func(*Config) { changes.Add(1) }, nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Equal(t, 4, w.Current().BatchLimit)

	require.NoError(t, os.WriteFile(path, []byte("base_url: https://api.example.com\nbatch_limit: 6\n"), 0o600))

	assert.Eventually(t, func() bool {
		return w.Current().BatchLimit == 6
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(1))
}
