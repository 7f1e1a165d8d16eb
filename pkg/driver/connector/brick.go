package connector

import (
	"strings"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"
)

// Connection types a BrickConnector can serve.
const (
	ProtocolISCSI  = "iscsi"
	ProtocolNVMeoF = "nvmeof"
)

// BrickConnector connects volumes through a block initiator running on this
// host, picked from the descriptor's connection type.
type BrickConnector struct {
	base
	iscsi  *iscsiInitiator
	nvmeof *nvmeofInitiator
}

func NewBrickConnector(cfg common.Config, client Client, run utils.CommandRunner) *BrickConnector {
	c := &BrickConnector{
		iscsi:  newISCSIInitiator(run, cfg.DeviceWaitTimeout.Duration),
		nvmeof: newNVMeoFInitiator(run, cfg.DeviceWaitTimeout.Duration),
	}
	c.base = base{
		cfg:    cfg,
		client: client,
		initiatorName: func() string {
			return readInitiatorName(iscsiInitiatorFile)
		},
		initiatorFor: c.initiatorFor,
	}
	return c
}

func (c *BrickConnector) initiatorFor(info *api.ConnectionInfo) (Initiator, error) {
	switch strings.ToLower(info.DriverVolumeType) {
	case ProtocolISCSI:
		return c.iscsi, nil
	case ProtocolNVMeoF:
		return c.nvmeof, nil
	default:
		return nil, unsupportedProtocol(info)
	}
}
