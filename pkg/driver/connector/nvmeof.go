package connector

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

const (
	nvmeSubsystemPath = "/sys/class/nvme-subsystem"
	nvmeAnyHost       = "ALL"
)

// nvmeofConnectionInfo is the data of an nvmeof connection descriptor.
type nvmeofConnectionInfo struct {
	Nqn       string `mapstructure:"targetNQN"`
	TgtPort   string `mapstructure:"targetPort"`
	TgtPortal string `mapstructure:"targetIP"`
	TranType  string `mapstructure:"transporType"`
	HostNqn   string `mapstructure:"hostNqn"`
}

// nvmeofInitiator drives nvme-cli and finds namespaces through the nvme
// subsystems in sysfs.
type nvmeofInitiator struct {
	run         utils.CommandRunner
	subsysPath  string
	devPath     string
	waitTimeout time.Duration
	pollPeriod  time.Duration
}

func newNVMeoFInitiator(run utils.CommandRunner, waitTimeout time.Duration) *nvmeofInitiator {
	return &nvmeofInitiator{
		run:         run,
		subsysPath:  nvmeSubsystemPath,
		devPath:     "/dev",
		waitTimeout: waitTimeout,
		pollPeriod:  time.Second,
	}
}

func parseNVMeoFConnectionInfo(data map[string]interface{}) (*nvmeofConnectionInfo, error) {
	con := &nvmeofConnectionInfo{}
	if err := decodeConnectionData(data, con); err != nil {
		return nil, err
	}
	if con.Nqn == "" || con.TgtPortal == "" {
		return nil, common.InvalidArgumentf("nvmeof connection data needs targetNQN and targetIP")
	}
	if con.TranType == "" {
		con.TranType = "tcp"
	}
	return con, nil
}

// subsystem returns the sysfs directory of the subsystem connected to nqn,
// or "" when there is none.
func (n *nvmeofInitiator) subsystem(nqn string) string {
	dirs, _ := filepath.Glob(filepath.Join(n.subsysPath, "nvme-subsys*"))
	for _, dir := range dirs {
		b, err := ioutil.ReadFile(filepath.Join(dir, "subsysnqn"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == nqn {
			return dir
		}
	}
	return ""
}

// namespace returns the first block device of the subsystem connected to
// nqn, or "" when it has none yet.
func (n *nvmeofInitiator) namespace(nqn string) string {
	dir := n.subsystem(nqn)
	if dir == "" {
		return ""
	}
	namespaces, _ := filepath.Glob(filepath.Join(dir, "nvme*n*"))
	sort.Strings(namespaces)
	if len(namespaces) == 0 {
		return ""
	}
	return filepath.Join(n.devPath, filepath.Base(namespaces[0]))
}

func (n *nvmeofInitiator) Connect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) (string, error) {
	con, err := parseNVMeoFConnectionInfo(info.Data)
	if err != nil {
		return "", err
	}

	// Step 1: connect unless the subsystem is already there
	if n.subsystem(con.Nqn) == "" {
		args := []string{"connect", "-t", con.TranType, "-n", con.Nqn, "-s", con.TgtPort, "-a", con.TgtPortal}
		if con.HostNqn != "" && con.HostNqn != nvmeAnyHost {
			args = append(args, "-q", con.HostNqn)
		}
		if _, err := n.run("nvme", args...); err != nil {
			log.Errorf("Connect: connect nqn %s failed, err is: %s", con.Nqn, err)
			return "", err
		}
	}

	// Step 2: wait for a namespace of that subsystem
	var device string
	err = wait.PollImmediate(n.pollPeriod, n.waitTimeout, func() (bool, error) {
		device = n.namespace(con.Nqn)
		return device != "", nil
	})
	if err != nil {
		return "", fmt.Errorf("no nvme namespace for nqn %s after %s", con.Nqn, n.waitTimeout)
	}
	log.Infof("Connect: volume %s nvme device is: %s", vol.ID, device)
	return device, nil
}

func (n *nvmeofInitiator) Disconnect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) error {
	con, err := parseNVMeoFConnectionInfo(info.Data)
	if err != nil {
		return err
	}
	if n.subsystem(con.Nqn) == "" {
		log.Warnf("Disconnect: nqn %s is not connected", con.Nqn)
		return nil
	}
	if _, err := n.run("nvme", "disconnect", "-n", con.Nqn); err != nil {
		log.Errorf("Disconnect: disconnect nqn %s failed, err is: %s", con.Nqn, err)
		return err
	}
	return nil
}
