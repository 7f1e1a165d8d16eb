package mount

import (
	"path/filepath"
	"strings"

	mobymount "github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"github.com/wxnacy/wgo/arrays"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

// Mounter formats, mounts and unmounts volume devices on this host.
type Mounter struct {
	run       utils.CommandRunner
	getMounts func(f mountinfo.FilterFunc) ([]*mountinfo.Info, error)
	mount     func(device, target, fsType, options string) error
	unmount   func(target string) error
}

func New() *Mounter {
	return &Mounter{
		run:       utils.RunCommand,
		getMounts: mountinfo.GetMounts,
		mount:     mobymount.Mount,
		unmount:   mobymount.Unmount,
	}
}

// GetMountpointsByDevice returns every mountpoint the device is mounted on.
// device may be a symlink.
func (m *Mounter) GetMountpointsByDevice(device string) ([]string, error) {
	source, err := filepath.EvalSymlinks(device)
	if err != nil {
		return nil, common.LocalIOf(err, "resolve device %s", device)
	}

	mounts, err := m.getMounts(func(info *mountinfo.Info) (skip, stop bool) {
		return info.Source != source && info.Source != device, false
	})
	if err != nil {
		return nil, common.LocalIOf(err, "read mount table")
	}

	mountpoints := make([]string, 0, len(mounts))
	for _, info := range mounts {
		mountpoints = append(mountpoints, info.Mountpoint)
	}
	return mountpoints, nil
}

// Mount mounts device on mountpoint, formatting it with fsType first when
// it carries no filesystem.
func (m *Mounter) Mount(device, mountpoint, fsType string) error {
	log.Infof("Mount: device is: %s, mountpoint is: %s, fsType is: %s", device, mountpoint, fsType)

	// Step 1: create the mountpoint
	if err := utils.CreateDir(mountpoint, 0755); err != nil {
		return common.LocalIOf(err, "create mountpoint %s", mountpoint)
	}

	// Step 2: skip if already mounted there
	mountpoints, err := m.GetMountpointsByDevice(device)
	if err != nil {
		return err
	}
	if arrays.ContainsString(mountpoints, mountpoint) != -1 {
		log.Infof("Mount: device %s is already mounted at %s", device, mountpoint)
		return nil
	}

	// Step 3: format the device if it is blank
	existing, err := m.fsType(device)
	if err != nil {
		return common.LocalIOf(err, "probe filesystem of %s", device)
	}
	if existing == "" {
		if err := m.format(device, fsType); err != nil {
			return err
		}
	} else if existing != fsType {
		log.Warnf("Mount: device %s already has filesystem %s, requested %s, mount it as %s", device, existing, fsType, existing)
		fsType = existing
	}

	// Step 4: mount
	if err := m.mount(device, mountpoint, fsType, ""); err != nil {
		log.Errorf("Mount: mount %s at %s failed, err is: %s", device, mountpoint, err)
		return common.LocalIOf(err, "mount %s at %s", device, mountpoint)
	}

	log.Infof("Mount: successfully!")
	return nil
}

// Unmount unmounts mountpoint. It is not an error if nothing is mounted there.
func (m *Mounter) Unmount(mountpoint string) error {
	log.Infof("Unmount: mountpoint is: %s", mountpoint)
	if err := m.unmount(mountpoint); err != nil {
		log.Errorf("Unmount: unmount %s failed, err is: %s", mountpoint, err)
		return common.LocalIOf(err, "unmount %s", mountpoint)
	}
	return nil
}

// fsType returns the filesystem type on device, "" if it has none.
func (m *Mounter) fsType(device string) (string, error) {
	out, err := m.run("blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil {
		// blkid exits 2 when the device has no recognizable signature
		if strings.Contains(err.Error(), "exit status 2") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *Mounter) format(device, fsType string) error {
	if arrays.ContainsString(common.SupportedFsTypes, fsType) == -1 {
		return common.InvalidArgumentf("fsType not support, should be %v", common.SupportedFsTypes)
	}
	log.Infof("format: device %s as %s", device, fsType)
	args := []string{device}
	if fsType != common.FsTypeXfs {
		args = []string{"-F", device}
	}
	if _, err := m.run("mkfs."+fsType, args...); err != nil {
		log.Errorf("format: mkfs.%s %s failed, err is: %s", fsType, device, err)
		return common.LocalIOf(err, "format %s", device)
	}
	return nil
}
