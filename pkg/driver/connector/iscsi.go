package connector

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

const (
	iscsiByPathDir        = "/dev/disk/by-path"
	iscsiInitiatorFile    = "/etc/iscsi/initiatorname.iscsi"
	iscsiAuthMethodCHAP   = "chap"
	iscsiDevicePollPeriod = time.Second

	redacted = "******"
)

// iscsiConnectionInfo is the data of an iscsi connection descriptor.
type iscsiConnectionInfo struct {
	AuthUser   string   `mapstructure:"authUserName"`
	AuthPass   string   `mapstructure:"authPassword"`
	AuthMethod string   `mapstructure:"authMethod"`
	TgtDisco   bool     `mapstructure:"targetDiscovered"`
	TgtIQN     []string `mapstructure:"targetIQN"`
	TgtPortal  []string `mapstructure:"targetPortal"`
	TgtLun     int      `mapstructure:"targetLun"`
}

// iscsiInitiator drives open-iscsi through iscsiadm.
type iscsiInitiator struct {
	run         utils.CommandRunner
	byPathDir   string
	waitTimeout time.Duration
	pollPeriod  time.Duration
}

func newISCSIInitiator(run utils.CommandRunner, waitTimeout time.Duration) *iscsiInitiator {
	return &iscsiInitiator{
		run:         run,
		byPathDir:   iscsiByPathDir,
		waitTimeout: waitTimeout,
		pollPeriod:  iscsiDevicePollPeriod,
	}
}

func parseISCSIConnectionInfo(data map[string]interface{}) (*iscsiConnectionInfo, error) {
	con := &iscsiConnectionInfo{}
	if err := decodeConnectionData(data, con); err != nil {
		return nil, err
	}
	if len(con.TgtPortal) == 0 {
		return nil, common.InvalidArgumentf("iscsi connection data has no target portal")
	}
	log.Infof("parseISCSIConnectionInfo: target portal: %v, target iqn: %v, target lun: %d", con.TgtPortal, con.TgtIQN, con.TgtLun)
	return con, nil
}

// target returns the portal and iqn to log into, discovering the iqn when
// the descriptor does not carry one.
func (i *iscsiInitiator) target(con *iscsiConnectionInfo) (string, string, error) {
	portal := con.TgtPortal[0]
	if len(con.TgtIQN) > 0 {
		return portal, con.TgtIQN[0], nil
	}

	out, err := i.run("iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", portal)
	if err != nil {
		return "", "", err
	}
	iqn, err := parseSendTargets(out)
	if err != nil {
		return "", "", err
	}
	return portal, iqn, nil
}

// parseSendTargets returns the iqn of the first "<portal>,<tpgt> <iqn>" line.
func parseSendTargets(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("no target found in discovery output %q", out)
}

func (i *iscsiInitiator) devicePath(portal, iqn string, lun int) string {
	return filepath.Join(i.byPathDir, fmt.Sprintf("ip-%s-iscsi-%s-lun-%d", portal, iqn, lun))
}

func (i *iscsiInitiator) Connect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) (string, error) {
	con, err := parseISCSIConnectionInfo(info.Data)
	if err != nil {
		return "", err
	}
	portal, iqn, err := i.target(con)
	if err != nil {
		log.Errorf("Connect: discovery portal %s failed, err is: %s", portal, err)
		return "", err
	}

	// Step 1: set chap credentials
	if strings.ToLower(con.AuthMethod) == iscsiAuthMethodCHAP {
		if err := i.setAuth(portal, iqn, con.AuthUser, con.AuthPass); err != nil {
			return "", err
		}
	}

	// Step 2: login, or rescan an existing session
	if err := i.login(portal, iqn); err != nil {
		return "", err
	}

	// Step 3: wait for the lun to show up
	device := i.devicePath(portal, iqn, con.TgtLun)
	if err := utils.WaitForPath(device, i.pollPeriod, i.waitTimeout); err != nil {
		log.Errorf("Connect: volume %s device %s not found, err is: %s", vol.ID, device, err)
		return "", err
	}
	return device, nil
}

func (i *iscsiInitiator) setAuth(portal, iqn, user, pass string) error {
	settings := [][2]string{
		{"node.session.auth.authmethod", "CHAP"},
		{"node.session.auth.username", user},
		{"node.session.auth.password", pass},
	}
	for _, kv := range settings {
		if _, err := i.run("iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--op=update", "--name", kv[0], "--value", kv[1]); err != nil {
			msg := err.Error()
			if pass != "" {
				msg = strings.ReplaceAll(msg, pass, redacted)
			}
			log.Errorf("setAuth: update %s of %s failed, err is: %s", kv[0], iqn, msg)
			return fmt.Errorf("update %s of %s failed: %s", kv[0], iqn, msg)
		}
	}
	return nil
}

// hasSession reports whether "iscsiadm -m session" output holds a session
// to iqn through portal.
func hasSession(out, portal, iqn string) bool {
	for _, line := range strings.Split(out, "\n") {
		var portalSeen, iqnSeen bool
		for _, f := range strings.Fields(line) {
			if f == portal || strings.HasPrefix(f, portal+",") {
				portalSeen = true
			}
			if f == iqn {
				iqnSeen = true
			}
		}
		if portalSeen && iqnSeen {
			return true
		}
	}
	return false
}

func (i *iscsiInitiator) login(portal, iqn string) error {
	log.Infof("login: portal: %s, iqn: %s", portal, iqn)
	// iscsiadm exits non-zero when there is no session at all
	if out, err := i.run("iscsiadm", "-m", "session"); err == nil && hasSession(out, portal, iqn) {
		log.Infof("login: session to %s already exists, rescan it", iqn)
		if _, err := i.run("iscsiadm", "-m", "session", "-R"); err != nil {
			log.Warnf("login: rescan sessions failed, err is: %s", err)
		}
		return nil
	}

	if _, err := i.run("iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--login"); err != nil {
		log.Errorf("login: portal: %s, iqn: %s failed, err is: %s", portal, iqn, err)
		return err
	}
	return nil
}

func (i *iscsiInitiator) Disconnect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) error {
	con, err := parseISCSIConnectionInfo(info.Data)
	if err != nil {
		return err
	}
	portal, iqn, err := i.target(con)
	if err != nil {
		return err
	}

	log.Infof("Disconnect: logout portal: %s, iqn: %s", portal, iqn)
	if _, err := i.run("iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--logout"); err != nil {
		log.Errorf("Disconnect: logout %s failed, err is: %s", iqn, err)
		return err
	}
	if _, err := i.run("iscsiadm", "-m", "node", "-o", "delete", "-T", iqn); err != nil {
		log.Errorf("Disconnect: delete node %s failed, err is: %s", iqn, err)
		return err
	}
	return nil
}

// readInitiatorName returns the InitiatorName of the given open-iscsi file,
// or "" when the file is absent.
func readInitiatorName(path string) string {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		log.Warnf("readInitiatorName: read %s failed, err is: %s", path, err)
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "InitiatorName=") {
			return strings.TrimPrefix(line, "InitiatorName=")
		}
	}
	return ""
}
