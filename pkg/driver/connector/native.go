package connector

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

const (
	scsiHostPath = "/sys/class/scsi_host"
	diskByIDPath = "/dev/disk/by-id"
	sysBlockPath = "/sys/block"
	scsiDiskGlob = "/dev/sd[a-z]*"
)

// NativeConnector relies on the orchestration service to attach the disk
// to this instance. The local side only rescans the scsi bus and finds the
// disk by its serial.
type NativeConnector struct {
	base
	scsi *scsiInitiator
}

func NewNativeConnector(cfg common.Config, client Client, run utils.CommandRunner) *NativeConnector {
	c := &NativeConnector{
		scsi: newSCSIInitiator(run, cfg.DeviceWaitTimeout.Duration),
	}
	c.base = base{
		cfg:           cfg,
		client:        client,
		initiatorName: func() string { return "" },
		initiatorFor: func(info *api.ConnectionInfo) (Initiator, error) {
			return c.scsi, nil
		},
	}
	return c
}

type scsiConnectionInfo struct {
	Serial string `mapstructure:"serial"`
}

// scsiInitiator finds disks hot-plugged into this instance.
type scsiInitiator struct {
	run         utils.CommandRunner
	hostPath    string
	byIDPath    string
	blockPath   string
	diskGlob    string
	waitTimeout time.Duration
	pollPeriod  time.Duration
}

func newSCSIInitiator(run utils.CommandRunner, waitTimeout time.Duration) *scsiInitiator {
	return &scsiInitiator{
		run:         run,
		hostPath:    scsiHostPath,
		byIDPath:    diskByIDPath,
		blockPath:   sysBlockPath,
		diskGlob:    scsiDiskGlob,
		waitTimeout: waitTimeout,
		pollPeriod:  time.Second,
	}
}

func (s *scsiInitiator) serial(vol *api.Volume, info *api.ConnectionInfo) (string, error) {
	con := &scsiConnectionInfo{}
	if err := decodeConnectionData(info.Data, con); err != nil {
		return "", err
	}
	if con.Serial == "" {
		return strings.ReplaceAll(vol.ID, "-", ""), nil
	}
	return strings.ReplaceAll(con.Serial, "-", ""), nil
}

func (s *scsiInitiator) Connect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) (string, error) {
	serial, err := s.serial(vol, info)
	if err != nil {
		return "", err
	}

	// Step 1: rescan scsi hosts so the new disk shows up
	if err := s.scanHosts(); err != nil {
		log.Warnf("Connect: scan scsi hosts failed, err is: %s", err)
	}

	// Step 2: wait for the disk with our serial
	var device string
	err = wait.PollImmediate(s.pollPeriod, s.waitTimeout, func() (bool, error) {
		device = s.findDevice(serial)
		return device != "", nil
	})
	if err != nil {
		log.Errorf("Connect: volume %s disk with serial %s not found", vol.ID, serial)
		return "", fmt.Errorf("disk with serial %s not found after %s", serial, s.waitTimeout)
	}

	log.Infof("Connect: volume %s disk is: %s", vol.ID, device)
	return device, nil
}

func (s *scsiInitiator) Disconnect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) error {
	serial, err := s.serial(vol, info)
	if err != nil {
		return err
	}
	device := s.findDevice(serial)
	if device == "" {
		log.Warnf("Disconnect: volume %s disk with serial %s not found", vol.ID, serial)
		return nil
	}
	target, err := filepath.EvalSymlinks(device)
	if err != nil {
		log.Warnf("Disconnect: resolve %s failed, err is: %s", device, err)
		return nil
	}

	deleteFile := filepath.Join(s.blockPath, filepath.Base(target), "device", "delete")
	if err := ioutil.WriteFile(deleteFile, []byte("1"), 0200); err != nil {
		log.Warnf("Disconnect: delete scsi device %s failed, err is: %s", target, err)
	}
	return nil
}

func (s *scsiInitiator) scanHosts() error {
	hosts, err := ioutil.ReadDir(s.hostPath)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		scanFile := filepath.Join(s.hostPath, h.Name(), "scan")
		f, err := os.OpenFile(scanFile, os.O_WRONLY, 0200)
		if err != nil {
			return fmt.Errorf("failed to open %s: %+v", scanFile, err)
		}
		_, err = f.WriteString("- - -")
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to write %s file: %+v", scanFile, err)
		}
	}
	return nil
}

// findDevice returns the disk whose serial matches, looking at by-id links
// first and asking scsi_id about every disk otherwise.
func (s *scsiInitiator) findDevice(serial string) string {
	if entries, err := ioutil.ReadDir(s.byIDPath); err == nil {
		for _, e := range entries {
			name := strings.ReplaceAll(e.Name(), "-", "")
			if strings.Contains(name, "part") {
				continue
			}
			if strings.HasSuffix(name, serial) {
				return filepath.Join(s.byIDPath, e.Name())
			}
		}
	}

	disks, _ := filepath.Glob(s.diskGlob)
	for _, disk := range disks {
		if strings.IndexAny(filepath.Base(disk), "0123456789") >= 0 {
			continue
		}
		out, err := s.run("/lib/udev/scsi_id", "-g", "-u", disk)
		if err != nil {
			log.Debugf("findDevice: scsi_id %s failed, err is: %s", disk, err)
			continue
		}
		if strings.TrimPrefix(strings.TrimSpace(out), "3") == serial {
			return disk
		}
	}
	return ""
}
