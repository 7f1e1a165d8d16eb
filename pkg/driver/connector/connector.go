package connector

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

// DeviceInfo describes the local device produced by ConnectVolume.
type DeviceInfo struct {
	// Path is the volume symlink under the link directory.
	Path string
}

// Connector turns a remote volume into a local device and back.
type Connector interface {
	ConnectVolume(ctx context.Context, vol *api.Volume) (*DeviceInfo, error)
	DisconnectVolume(ctx context.Context, vol *api.Volume) error
	GetDevicePath(vol *api.Volume) string
}

// Client is the part of the orchestration service a connector talks to.
type Client interface {
	ReserveVolume(ctx context.Context, id string) error
	UnreserveVolume(ctx context.Context, id string) error
	InitializeConnection(ctx context.Context, id, host, initiator string, multipath bool) (*api.ConnectionInfo, error)
	AttachVolume(ctx context.Context, id, host, mountpoint string) error
	DetachVolume(ctx context.Context, id, attachmentID string) error
}

// Initiator establishes the local session described by a connection
// descriptor and returns the device it produced.
type Initiator interface {
	Connect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) (string, error)
	Disconnect(ctx context.Context, vol *api.Volume, info *api.ConnectionInfo) error
}

// New returns the connector variant selected by cfg.Connector.
func New(cfg common.Config, client Client) (Connector, error) {
	switch cfg.Connector {
	case common.ConnectorOSBrick:
		return NewBrickConnector(cfg, client, utils.RunCommand), nil
	case common.ConnectorNative:
		return NewNativeConnector(cfg, client, utils.RunCommand), nil
	default:
		return nil, common.InvalidArgumentf("unsupported connector %q", cfg.Connector)
	}
}

// base implements the connect saga and the disconnect sequence shared by
// every variant. Variants supply the initiator and the initiator name.
type base struct {
	cfg           common.Config
	client        Client
	initiatorName func() string
	initiatorFor  func(info *api.ConnectionInfo) (Initiator, error)
}

func (b *base) GetDevicePath(vol *api.Volume) string {
	return filepath.Join(b.cfg.LinkDir, vol.ID)
}

func (b *base) initializeConnection(ctx context.Context, vol *api.Volume) (*api.ConnectionInfo, Initiator, error) {
	info, err := b.client.InitializeConnection(ctx, vol.ID, b.cfg.Host, b.initiatorName(), b.cfg.Multipath)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("initializeConnection: volume %s connection type is: %s", vol.ID, info.DriverVolumeType)
	initiator, err := b.initiatorFor(info)
	if err != nil {
		return nil, nil, err
	}
	return info, initiator, nil
}

func (b *base) ConnectVolume(ctx context.Context, vol *api.Volume) (*DeviceInfo, error) {
	log.Infof("ConnectVolume: volume name: %s, id: %s, host: %s", vol.Name, vol.ID, b.cfg.Host)
	s := newSaga("ConnectVolume " + vol.ID)
	undoCtx := context.WithoutCancel(ctx)

	// Step 1: reserve the volume
	if err := b.client.ReserveVolume(ctx, vol.ID); err != nil {
		log.Errorf("ConnectVolume: reserve volume %s failed, err is: %s", vol.ID, err)
		return nil, err
	}
	s.add("unreserve volume", func() error {
		return b.client.UnreserveVolume(undoCtx, vol.ID)
	})

	// Step 2: get the connection descriptor
	info, initiator, err := b.initializeConnection(ctx, vol)
	if err != nil {
		return nil, s.rollback(err)
	}

	// Step 3: connect the local initiator. A failed connect may still leave
	// a session behind, so its teardown is registered first.
	s.add("disconnect initiator", func() error {
		return initiator.Disconnect(undoCtx, vol, info)
	})
	device, err := initiator.Connect(ctx, vol, info)
	if err != nil {
		return nil, s.rollback(localIO(err, "connect volume %s", vol.ID))
	}
	log.Infof("ConnectVolume: volume %s connected at device %s", vol.ID, device)

	// Step 4: link the device under the link directory
	link := b.GetDevicePath(vol)
	if err := b.link(device, link); err != nil {
		return nil, s.rollback(err)
	}
	s.add("remove device link", func() error {
		return removeLink(link)
	})

	// Step 5: record the attachment
	if err := b.client.AttachVolume(ctx, vol.ID, b.cfg.Host, b.cfg.MountpointFor(vol.Name)); err != nil {
		log.Errorf("ConnectVolume: attach volume %s failed, err is: %s", vol.ID, err)
		return nil, s.rollback(err)
	}

	log.Infof("ConnectVolume: successfully, volume %s linked at %s", vol.ID, link)
	return &DeviceInfo{Path: link}, nil
}

func (b *base) DisconnectVolume(ctx context.Context, vol *api.Volume) error {
	log.Infof("DisconnectVolume: volume name: %s, id: %s, host: %s", vol.Name, vol.ID, b.cfg.Host)

	// Step 1: remove the device link
	if err := removeLink(b.GetDevicePath(vol)); err != nil {
		log.Warnf("DisconnectVolume: %s", err)
	}

	// Step 2: tear down the local session
	info, initiator, err := b.initializeConnection(ctx, vol)
	if err != nil {
		return err
	}
	if err := initiator.Disconnect(ctx, vol, info); err != nil {
		return localIO(err, "disconnect volume %s", vol.ID)
	}

	// Step 3: detach the attachment owned by this host
	attachment := vol.AttachmentFor(b.cfg.Host)
	if attachment == nil {
		log.Warnf("DisconnectVolume: volume %s has no attachment for host %s", vol.ID, b.cfg.Host)
		return nil
	}
	if err := b.client.DetachVolume(ctx, vol.ID, attachment.AttachmentID); err != nil {
		log.Errorf("DisconnectVolume: detach volume %s attachment %s failed, err is: %s", vol.ID, attachment.AttachmentID, err)
		return err
	}

	log.Infof("DisconnectVolume: successfully, volume %s", vol.ID)
	return nil
}

// link points link at the real path of device, replacing any previous link.
func (b *base) link(device, link string) error {
	target, err := filepath.EvalSymlinks(device)
	if err != nil {
		return common.LocalIOf(err, "resolve device %s", device)
	}
	if err := utils.CreateDir(filepath.Dir(link), 0755); err != nil {
		return common.LocalIOf(err, "create link dir %s", filepath.Dir(link))
	}
	if err := removeLink(link); err != nil {
		return err
	}
	if err := os.Symlink(target, link); err != nil {
		return common.LocalIOf(err, "link %s to %s", link, target)
	}
	return nil
}

func removeLink(link string) error {
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return common.LocalIOf(err, "remove link %s", link)
	}
	return nil
}

// decodeConnectionData decodes a connection descriptor's data into out.
func decodeConnectionData(data map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(data); err != nil {
		return common.InvalidArgumentf("invalid connection data: %s", err)
	}
	return nil
}

// localIO marks an initiator failure as local io, keeping the kind of
// errors that already carry one.
func localIO(err error, format string, args ...interface{}) error {
	var typed *common.Error
	if errors.As(err, &typed) {
		return errors.Wrapf(err, format, args...)
	}
	return common.LocalIOf(err, format, args...)
}

func unsupportedProtocol(info *api.ConnectionInfo) error {
	return common.InvalidArgumentf("unsupported connection type %q", info.DriverVolumeType)
}
