package provider

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wxnacy/wgo/arrays"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/connector"

	log "github.com/sirupsen/logrus"
)

// Options understood by Create.
const (
	OptSize        = "size"
	OptFsType      = "fstype"
	OptMultiattach = "multiattach"
)

const gib = 1 << 30

// VolumeClient is the part of the orchestration service the provider uses.
type VolumeClient interface {
	CreateVolume(ctx context.Context, name string, sizeGB int64, metadata map[string]string) (*api.Volume, error)
	GetVolume(ctx context.Context, id string) (*api.Volume, error)
	ListVolumes(ctx context.Context) ([]api.Volume, error)
	DeleteVolume(ctx context.Context, id string) error
}

// MountManager mounts devices and maps them to their mountpoints.
type MountManager interface {
	Mount(device, mountpoint, fsType string) error
	Unmount(mountpoint string) error
	GetMountpointsByDevice(device string) ([]string, error)
}

// VolumeView is what show and list report for a volume.
type VolumeView struct {
	Name       string
	Mountpoint string
	State      AttachState
	Volume     *api.Volume
	Device     string
}

// Provider drives volumes through their attach states on behalf of the
// plugin. Operations on the same name are not serialized.
type Provider struct {
	cfg       common.Config
	client    VolumeClient
	connector connector.Connector
	mounter   MountManager
	resolver  *Resolver
}

func New(cfg common.Config, client VolumeClient, conn connector.Connector, mounter MountManager) *Provider {
	return &Provider{
		cfg:       cfg,
		client:    client,
		connector: conn,
		mounter:   mounter,
		resolver:  NewResolver(client, cfg.Host),
	}
}

// Create makes sure name exists and is connected to this host, and returns
// its device.
func (p *Provider) Create(ctx context.Context, name string, opts map[string]string) (*connector.DeviceInfo, error) {
	log.Infof("Create: name is: %s, opts are: %+v", name, opts)

	sizeGB, fsType, multiattach, err := p.parseOptions(opts)
	if err != nil {
		log.Errorf("Create: invalid options for %s, err is: %s", name, err)
		return nil, err
	}

	vol, state, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	log.Infof("Create: volume %s state is: %s", name, state)

	switch state {
	case AttachedToThisHost:
		return &connector.DeviceInfo{Path: p.connector.GetDevicePath(vol)}, nil
	case NotAttached:
		return p.connector.ConnectVolume(ctx, vol)
	case AttachedToOtherHost:
		if !vol.Multiattach {
			return nil, common.Conflictf("volume %s is attached to another host and is not multiattach", name)
		}
		if recorded := p.fsTypeOf(vol); recorded != fsType {
			return nil, common.Conflictf("volume %s has filesystem %s, requested %s", name, recorded, fsType)
		}
		return p.connector.ConnectVolume(ctx, vol)
	}

	// Step 1: create the remote volume
	metadata := map[string]string{api.MetadataFsType: fsType}
	if multiattach {
		metadata[OptMultiattach] = "true"
	}
	vol, err = p.client.CreateVolume(ctx, name, sizeGB, metadata)
	if err != nil {
		log.Errorf("Create: create volume %s failed, err is: %s", name, err)
		return nil, err
	}
	log.Infof("Create: volume %s created with id %s", name, vol.ID)

	// Step 2: wait for it to become available
	if vol, err = p.waitAvailable(ctx, vol); err != nil {
		log.Errorf("Create: volume %s did not settle, err is: %s", name, err)
		return nil, err
	}

	// Step 3: connect it
	return p.connector.ConnectVolume(ctx, vol)
}

// Delete tears the volume down on this host and deletes it once nothing is
// attached. It returns false only when the volume does not exist.
func (p *Provider) Delete(ctx context.Context, name string) (bool, error) {
	log.Infof("Delete: name is: %s", name)

	vol, state, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return false, err
	}
	log.Infof("Delete: volume %s state is: %s", name, state)

	switch state {
	case Unknown:
		return false, nil
	case NotAttached:
		if err := p.client.DeleteVolume(ctx, vol.ID); err != nil {
			return false, err
		}
		return true, nil
	case AttachedToOtherHost:
		log.Warnf("Delete: volume %s is attached to another host, leave it in place", name)
		return true, nil
	}

	// Step 1: check the device link and its target
	link := p.connector.GetDevicePath(vol)
	if _, err := os.Lstat(link); err != nil {
		return false, common.LocalIOf(err, "device link %s of volume %s", link, name)
	}
	if _, err := filepath.EvalSymlinks(link); err != nil {
		return false, common.LocalIOf(err, "device of volume %s", name)
	}

	// Step 2: unmount our mountpoint
	mountpoints, err := p.mounter.GetMountpointsByDevice(link)
	if err != nil {
		return false, err
	}
	mountpoint := p.cfg.MountpointFor(name)
	if arrays.ContainsString(mountpoints, mountpoint) != -1 {
		if err := p.mounter.Unmount(mountpoint); err != nil {
			return false, err
		}
		if err := os.Remove(mountpoint); err != nil && !os.IsNotExist(err) {
			log.Warnf("Delete: remove mountpoint %s failed, err is: %s", mountpoint, err)
		}
		mountpoints = without(mountpoints, mountpoint)
	}
	if len(mountpoints) > 0 {
		log.Infof("Delete: device of volume %s is still mounted at %v, keep it", name, mountpoints)
		return true, nil
	}

	// Step 3: disconnect the device
	if err := p.connector.DisconnectVolume(ctx, vol); err != nil {
		log.Errorf("Delete: disconnect volume %s failed, err is: %s", name, err)
		return false, err
	}

	// Step 4: delete the remote volume once nothing is attached
	fresh, err := p.client.GetVolume(ctx, vol.ID)
	if err != nil {
		return false, err
	}
	if len(fresh.Attachments) > 0 {
		log.Infof("Delete: volume %s is still attached to %d hosts, keep it", name, len(fresh.Attachments))
		return true, nil
	}
	if err := p.client.DeleteVolume(ctx, vol.ID); err != nil {
		log.Errorf("Delete: delete volume %s failed, err is: %s", name, err)
		return false, err
	}

	log.Infof("Delete: volume %s deleted", name)
	return true, nil
}

// Mount connects the volume if needed and mounts it, returning the mountpoint.
func (p *Provider) Mount(ctx context.Context, name string) (string, error) {
	log.Infof("Mount: name is: %s", name)

	vol, state, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	log.Infof("Mount: volume %s state is: %s", name, state)

	switch state {
	case Unknown:
		return "", common.NotFoundf("volume %s", name)
	case AttachedToOtherHost:
		if !vol.Multiattach {
			return "", common.Conflictf("volume %s is attached to another host and is not multiattach", name)
		}
		fallthrough
	case NotAttached:
		if _, err := p.connector.ConnectVolume(ctx, vol); err != nil {
			return "", err
		}
	}

	// Step 1: rebuild a missing device link
	link := p.connector.GetDevicePath(vol)
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		log.Warnf("Mount: device link %s is missing, reconnect volume %s", link, name)
		if err := p.reconnect(ctx, vol); err != nil {
			return "", err
		}
	}

	// Step 2: resolve the device
	device, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", common.LocalIOf(err, "device of volume %s", name)
	}

	// Step 3: mount it
	mountpoint := p.cfg.MountpointFor(name)
	if err := p.mounter.Mount(device, mountpoint, p.fsTypeOf(vol)); err != nil {
		log.Errorf("Mount: mount volume %s failed, err is: %s", name, err)
		return "", err
	}

	log.Infof("Mount: volume %s mounted at %s", name, mountpoint)
	return mountpoint, nil
}

// Unmount leaves the volume mounted and attached. Teardown happens in Delete
// once no mountpoint uses the device.
func (p *Provider) Unmount(ctx context.Context, name string) error {
	log.Infof("Unmount: name is: %s, keep it mounted until delete", name)
	return nil
}

// List reports every remote volume with its mountpoint on this host, empty
// when it is not mounted here.
func (p *Provider) List(ctx context.Context) ([]VolumeView, error) {
	volumes, err := p.client.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]VolumeView, 0, len(volumes))
	for i := range volumes {
		vol := &volumes[i]
		views = append(views, VolumeView{
			Name:       vol.Name,
			Mountpoint: p.boundMountpoint(vol),
			State:      StateOf(vol, p.cfg.Host),
			Volume:     vol,
			Device:     p.connector.GetDevicePath(vol),
		})
	}
	return views, nil
}

// Show reports one volume. Only a volume attached here can have a mountpoint.
func (p *Provider) Show(ctx context.Context, name string) (*VolumeView, error) {
	vol, state, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == Unknown {
		return nil, common.NotFoundf("volume %s", name)
	}

	view := &VolumeView{Name: name, State: state, Volume: vol}
	if state == AttachedToThisHost {
		view.Device = p.connector.GetDevicePath(vol)
		view.Mountpoint = p.boundMountpoint(vol)
	}
	return view, nil
}

// CheckExist reports whether the volume is known to the service. Lookup
// failures count as absent.
func (p *Provider) CheckExist(ctx context.Context, name string) bool {
	_, state, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		log.Warnf("CheckExist: resolve volume %s failed, err is: %s", name, err)
		return false
	}
	return state != Unknown
}

func (p *Provider) reconnect(ctx context.Context, vol *api.Volume) error {
	fresh, err := p.client.GetVolume(ctx, vol.ID)
	if err != nil {
		return err
	}
	if err := p.connector.DisconnectVolume(ctx, fresh); err != nil {
		return err
	}
	_, err = p.connector.ConnectVolume(ctx, fresh)
	return err
}

// boundMountpoint returns the volume's mountpoint if its device is mounted
// there, else "".
func (p *Provider) boundMountpoint(vol *api.Volume) string {
	mountpoints, err := p.mounter.GetMountpointsByDevice(p.connector.GetDevicePath(vol))
	if err != nil {
		log.Debugf("boundMountpoint: volume %s, err is: %s", vol.Name, err)
		return ""
	}
	mountpoint := p.cfg.MountpointFor(vol.Name)
	if arrays.ContainsString(mountpoints, mountpoint) != -1 {
		return mountpoint
	}
	return ""
}

func (p *Provider) waitAvailable(ctx context.Context, vol *api.Volume) (*api.Volume, error) {
	current := vol
	err := wait.PollImmediate(p.cfg.SettleInterval.Duration, p.cfg.SettleTimeout.Duration, func() (bool, error) {
		got, err := p.client.GetVolume(ctx, vol.ID)
		if err != nil {
			return false, err
		}
		current = got
		switch got.Status {
		case api.StatusAvailable:
			return true, nil
		case api.StatusError:
			return false, common.Conflictf("volume %s is in error status", vol.ID)
		}
		log.Debugf("waitAvailable: volume %s status is: %s", vol.ID, got.Status)
		return false, nil
	})
	if err == wait.ErrWaitTimeout {
		return nil, common.Transportf(err, "volume %s is still %s", vol.ID, current.Status)
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (p *Provider) fsTypeOf(vol *api.Volume) string {
	if fs := vol.FsType(); fs != "" {
		return fs
	}
	return p.cfg.DefaultFsType
}

func (p *Provider) parseOptions(opts map[string]string) (int64, string, bool, error) {
	sizeGB := p.cfg.DefaultSize
	fsType := p.cfg.DefaultFsType
	multiattach := false

	for k, v := range opts {
		switch strings.ToLower(k) {
		case OptSize:
			size, err := parseSizeGB(v)
			if err != nil {
				return 0, "", false, err
			}
			sizeGB = size
		case OptFsType:
			fsType = strings.ToLower(v)
			if arrays.ContainsString(common.SupportedFsTypes, fsType) == -1 {
				return 0, "", false, common.InvalidArgumentf("fstype should be one of %v, but input is: %s", common.SupportedFsTypes, v)
			}
		case OptMultiattach:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return 0, "", false, common.InvalidArgumentf("multiattach should be a bool, but input is: %s", v)
			}
			multiattach = b
		default:
			log.Warnf("parseOptions: ignore unknown option %s", k)
		}
	}
	return sizeGB, fsType, multiattach, nil
}

// parseSizeGB reads a plain number as gigabytes and a quantity such as
// 10Gi or 500M as bytes rounded up to whole gigabytes.
func parseSizeGB(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, common.InvalidArgumentf("size must be positive, but input is: %s", s)
		}
		return n, nil
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, common.InvalidArgumentf("invalid size %s: %s", s, err)
	}
	bytes := q.Value()
	if bytes <= 0 {
		return 0, common.InvalidArgumentf("size must be positive, but input is: %s", s)
	}
	return (bytes + gib - 1) / gib, nil
}

func without(list []string, item string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}
