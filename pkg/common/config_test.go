package common

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, NewDefaultConfig(), cfg)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, NewDefaultConfig(), cfg)

	file := filepath.Join(dir, "plugin.yaml")
	require.NoError(t, ioutil.WriteFile(file, []byte(`
endpoints:
- 10.0.0.1:2379
- 10.0.0.2:2379
connector: native
instanceID: ins-123
defaultFsType: xfs
requestTimeout: 30s
settleInterval: 500ms
`), 0644))
	cfg, err = LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Endpoints)
	require.Equal(t, ConnectorNative, cfg.Connector)
	require.Equal(t, "ins-123", cfg.InstanceID)
	require.Equal(t, FsTypeXfs, cfg.DefaultFsType)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.SettleInterval.Duration)
	require.Equal(t, DefaultLinkDir, cfg.LinkDir)
	require.Equal(t, DefaultKeyPrefix, cfg.KeyPrefix)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, ioutil.WriteFile(bad, []byte("endpoints: [unclosed"), 0644))
	_, err = LoadConfig(bad)
	require.Error(t, err)
}

func TestConfig_Complete(t *testing.T) {
	old := hostname
	hostname = func() (string, error) { return " Node-1 ", nil }
	defer func() { hostname = old }()

	cases := []struct {
		Name   string
		Modify func(c *Config)
		Host   string
		Err    error
	}{
		{
			Name: "defaults",
			Host: "node-1",
		},
		{
			Name:   "host name override",
			Modify: func(c *Config) { c.HostName = "Worker-7" },
			Host:   "worker-7",
		},
		{
			Name:   "native uses instance id",
			Modify: func(c *Config) { c.Connector = ConnectorNative; c.InstanceID = "INS-42" },
			Host:   "ins-42",
		},
		{
			Name:   "fs type is case insensitive",
			Modify: func(c *Config) { c.DefaultFsType = "XFS" },
			Host:   "node-1",
		},
		{
			Name:   "no endpoints",
			Modify: func(c *Config) { c.Endpoints = nil },
			Err:    ErrInvalidArgument,
		},
		{
			Name:   "unknown connector",
			Modify: func(c *Config) { c.Connector = "fc" },
			Err:    ErrInvalidArgument,
		},
		{
			Name:   "unsupported fs type",
			Modify: func(c *Config) { c.DefaultFsType = "btrfs" },
			Err:    ErrInvalidArgument,
		},
		{
			Name:   "zero default size",
			Modify: func(c *Config) { c.DefaultSize = 0 },
			Err:    ErrInvalidArgument,
		},
		{
			Name:   "relative link dir",
			Modify: func(c *Config) { c.LinkDir = "by-volume" },
			Err:    ErrInvalidArgument,
		},
		{
			Name:   "zero request timeout",
			Modify: func(c *Config) { c.RequestTimeout.Duration = 0 },
			Err:    ErrInvalidArgument,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			if tc.Modify != nil {
				tc.Modify(&cfg)
			}
			got, err := cfg.Complete()
			if tc.Err != nil {
				require.True(t, errors.Is(err, tc.Err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.Host, got.Host)
			require.Empty(t, cfg.Host)
		})
	}
}

func TestConfig_MountpointFor(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Equal(t, "/var/lib/cds-volume/mnt/vol1", cfg.MountpointFor("vol1"))
}
