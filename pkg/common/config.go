package common

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wxnacy/wgo/arrays"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	log "github.com/sirupsen/logrus"
)

// ConnectorType selects how remote volumes are exposed as local devices.
type ConnectorType string

const (
	// ConnectorOSBrick drives a generic block initiator (iSCSI, NVMe-oF) on this host.
	ConnectorOSBrick ConnectorType = "osbrick"
	// ConnectorNative lets the orchestration service attach the disk to this instance.
	ConnectorNative ConnectorType = "native"
)

const (
	DefaultConfigFile    = "/etc/cds/volume-plugin.yaml"
	DefaultNodeMetaFile  = "/host/etc/cds/node-meta"
	DefaultLinkDir       = "/dev/disk/by-volume"
	DefaultMountRoot     = "/var/lib/cds-volume/mnt"
	DefaultSocket        = "/run/docker/plugins/cds.sock"
	DefaultKeyPrefix     = "opensds/api"
	DefaultResourceType  = "cinder"
	DefaultFsType        = FsTypeExt4
	DefaultVolumeSizeGB  = 1
	DefaultEtcdEndpoint  = "127.0.0.1:2379"
	FsTypeExt3           = "ext3"
	FsTypeExt4           = "ext4"
	FsTypeXfs            = "xfs"
	defaultRequestTmout  = 10 * time.Second
	defaultSettleTimeout = 5 * time.Minute
	defaultSettleIntv    = 3 * time.Second
	defaultDeviceWait    = 10 * time.Second
)

// SupportedFsTypes lists the filesystems the plugin formats and mounts.
var SupportedFsTypes = []string{FsTypeExt3, FsTypeExt4, FsTypeXfs}

var supportedConnectors = []string{string(ConnectorOSBrick), string(ConnectorNative)}

// Config is built once at startup and handed to every component by value.
type Config struct {
	Endpoints      []string        `json:"endpoints"`
	KeyPrefix      string          `json:"keyPrefix"`
	ResourceType   string          `json:"resourceType"`
	RequestTimeout metav1.Duration `json:"requestTimeout"`

	Connector    ConnectorType `json:"connector"`
	InstanceID   string        `json:"instanceID"`
	HostName     string        `json:"hostName"`
	NodeMetaFile string        `json:"nodeMetaFile"`
	Multipath    bool          `json:"multipath"`

	LinkDir           string          `json:"linkDir"`
	MountRoot         string          `json:"mountRoot"`
	DefaultFsType     string          `json:"defaultFsType"`
	DefaultSize       int64           `json:"defaultSize"`
	SettleTimeout     metav1.Duration `json:"settleTimeout"`
	SettleInterval    metav1.Duration `json:"settleInterval"`
	DeviceWaitTimeout metav1.Duration `json:"deviceWaitTimeout"`

	Socket    string `json:"socket"`
	SentryDSN string `json:"sentryDSN"`

	// Host is the identity of this host as recorded in remote attachments.
	// It is filled by Complete and never re-derived.
	Host string `json:"-"`
}

// NewDefaultConfig returns a config with every default applied.
func NewDefaultConfig() Config {
	return Config{
		Endpoints:         []string{DefaultEtcdEndpoint},
		KeyPrefix:         DefaultKeyPrefix,
		ResourceType:      DefaultResourceType,
		RequestTimeout:    metav1.Duration{Duration: defaultRequestTmout},
		Connector:         ConnectorOSBrick,
		NodeMetaFile:      DefaultNodeMetaFile,
		LinkDir:           DefaultLinkDir,
		MountRoot:         DefaultMountRoot,
		DefaultFsType:     DefaultFsType,
		DefaultSize:       DefaultVolumeSizeGB,
		SettleTimeout:     metav1.Duration{Duration: defaultSettleTimeout},
		SettleInterval:    metav1.Duration{Duration: defaultSettleIntv},
		DeviceWaitTimeout: metav1.Duration{Duration: defaultDeviceWait},
		Socket:            DefaultSocket,
	}
}

// LoadConfig reads the yaml file at path on top of the defaults. A missing
// file is not an error, the defaults are returned instead.
func LoadConfig(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}

	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("LoadConfig: config file %s is not exist, use defaults", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("LoadConfig: read %s failed, err is: %s", path, err.Error())
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("LoadConfig: parse %s failed, err is: %s", path, err.Error())
	}

	return cfg, nil
}

// Complete validates the config and derives the host identity.
func (c Config) Complete() (Config, error) {
	if len(c.Endpoints) == 0 {
		return c, InvalidArgumentf("at least one endpoint is required")
	}
	if arrays.ContainsString(supportedConnectors, string(c.Connector)) == -1 {
		return c, InvalidArgumentf("connector should be one of %v, but input is: %s", supportedConnectors, c.Connector)
	}
	c.DefaultFsType = strings.ToLower(c.DefaultFsType)
	if arrays.ContainsString(SupportedFsTypes, c.DefaultFsType) == -1 {
		return c, InvalidArgumentf("defaultFsType should be one of %v, but input is: %s", SupportedFsTypes, c.DefaultFsType)
	}
	if c.DefaultSize <= 0 {
		return c, InvalidArgumentf("defaultSize must be positive, input is: %d", c.DefaultSize)
	}
	if !filepath.IsAbs(c.LinkDir) || !filepath.IsAbs(c.MountRoot) {
		return c, InvalidArgumentf("linkDir and mountRoot must be absolute paths")
	}
	if c.RequestTimeout.Duration <= 0 {
		return c, InvalidArgumentf("requestTimeout must be positive")
	}

	host, err := HostIdentity(c)
	if err != nil {
		return c, err
	}
	c.Host = host

	return c, nil
}

// MountpointFor is the host path a volume is mounted on.
func (c Config) MountpointFor(name string) string {
	return filepath.Join(c.MountRoot, name)
}
