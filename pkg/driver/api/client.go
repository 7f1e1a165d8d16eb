package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"

	log "github.com/sirupsen/logrus"
)

// Actions understood by the orchestration service.
const (
	ActionCreateVolume         = "CreateVolume"
	ActionGetVolume            = "GetVolume"
	ActionGetAllVolumes        = "GetAllVolumes"
	ActionUpdateVolume         = "UpdateVolume"
	ActionDeleteVolume         = "DeleteVolume"
	ActionReserveVolume        = "ReserveVolume"
	ActionUnreserveVolume      = "UnreserveVolume"
	ActionInitializeConnection = "InitializeConnection"
	ActionAttachVolume         = "AttachVolume"
	ActionDetachVolume         = "DetachVolume"
)

// Delimiter separates the fields of a request payload.
const Delimiter = ","

// Transport carries one request payload to the service and returns the
// correlated response payload. Implementations must honor ctx's deadline.
type Transport interface {
	RoundTrip(ctx context.Context, request string) (string, error)
}

// Response is the result of one action. When the payload is not valid JSON,
// Parsed is false and only Raw is set.
type Response struct {
	Raw    string
	Parsed bool
}

type jsonStringDecoder interface {
	FromJsonString(s string) error
}

// Decode unmarshals a parsed response into out, through its FromJsonString
// when it has one.
func (r *Response) Decode(out interface{}) error {
	if !r.Parsed {
		return common.Transportf(nil, "unstructured response %q", r.Raw)
	}
	var err error
	if d, ok := out.(jsonStringDecoder); ok {
		err = d.FromJsonString(r.Raw)
	} else {
		err = json.Unmarshal([]byte(r.Raw), out)
	}
	if err != nil {
		return common.Transportf(err, "unexpected response %q", r.Raw)
	}
	return nil
}

// Client dispatches volume and attachment actions to the orchestration
// service. Each call waits at most timeout for its response.
type Client struct {
	transport    Transport
	resourceType string
	timeout      time.Duration
}

func NewClient(transport Transport, resourceType string, timeout time.Duration) *Client {
	return &Client{
		transport:    transport,
		resourceType: resourceType,
		timeout:      timeout,
	}
}

// EncodeRequest joins action, resource type and args into one payload.
func EncodeRequest(action, resourceType string, args ...interface{}) (string, error) {
	fields := make([]string, 0, len(args)+2)
	fields = append(fields, action, resourceType)
	for _, arg := range args {
		s := fmt.Sprintf("%v", arg)
		if strings.Contains(s, Delimiter) {
			return "", common.InvalidArgumentf("%s: argument %q contains %q", action, s, Delimiter)
		}
		fields = append(fields, s)
	}
	return strings.Join(fields, Delimiter), nil
}

// Call sends one action and blocks until its response arrives or the
// client timeout elapses.
func (c *Client) Call(ctx context.Context, action string, args ...interface{}) (*Response, error) {
	request, err := EncodeRequest(action, c.resourceType, args...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log.Debugf("Call: send request %s", request)
	raw, err := c.transport.RoundTrip(ctx, request)
	if err != nil {
		if errors.Is(err, common.ErrTransport) {
			return nil, err
		}
		return nil, common.Transportf(err, "%s failed", action)
	}
	log.Debugf("Call: %s response is: %s", action, raw)

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		log.Warnf("Call: %s response is not json, return raw value", action)
		return &Response{Raw: raw}, nil
	}

	if obj, ok := value.(map[string]interface{}); ok {
		if _, failed := obj["error"]; failed {
			var failure ErrorResponse
			_ = json.Unmarshal([]byte(raw), &failure)
			return nil, remoteError(action, failure)
		}
	}

	return &Response{Raw: raw, Parsed: true}, nil
}

func remoteError(action string, failure ErrorResponse) error {
	switch failure.Code {
	case CodeNotFound:
		return common.NotFoundf("%s: %s", action, failure.Error)
	case CodeConflict:
		return common.Conflictf("%s: %s", action, failure.Error)
	case CodeInvalidArgument:
		return common.InvalidArgumentf("%s: %s", action, failure.Error)
	default:
		return common.Transportf(nil, "%s: %s", action, failure.Error)
	}
}

func (c *Client) callVolume(ctx context.Context, action string, args ...interface{}) (*Volume, error) {
	resp, err := c.Call(ctx, action, args...)
	if err != nil {
		return nil, err
	}
	volume := &Volume{}
	if err := resp.Decode(volume); err != nil {
		return nil, errors.Wrapf(err, "%s", action)
	}
	return volume, nil
}

// CreateVolume creates a volume of sizeGB gigabytes. Metadata entries are
// sent as sorted key=value arguments.
func (c *Client) CreateVolume(ctx context.Context, name string, sizeGB int64, metadata map[string]string) (*Volume, error) {
	args := []interface{}{name, sizeGB}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+metadata[k])
	}
	return c.callVolume(ctx, ActionCreateVolume, args...)
}

func (c *Client) GetVolume(ctx context.Context, id string) (*Volume, error) {
	return c.callVolume(ctx, ActionGetVolume, id)
}

// ListVolumes returns every volume with its attachments.
func (c *Client) ListVolumes(ctx context.Context) ([]Volume, error) {
	resp, err := c.Call(ctx, ActionGetAllVolumes, true)
	if err != nil {
		return nil, err
	}
	var volumes []Volume
	if err := resp.Decode(&volumes); err != nil {
		return nil, errors.Wrapf(err, "%s", ActionGetAllVolumes)
	}
	return volumes, nil
}

func (c *Client) UpdateVolume(ctx context.Context, id, name string) (*Volume, error) {
	return c.callVolume(ctx, ActionUpdateVolume, id, name)
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.Call(ctx, ActionDeleteVolume, id)
	return err
}

func (c *Client) ReserveVolume(ctx context.Context, id string) error {
	_, err := c.Call(ctx, ActionReserveVolume, id)
	return err
}

func (c *Client) UnreserveVolume(ctx context.Context, id string) error {
	_, err := c.Call(ctx, ActionUnreserveVolume, id)
	return err
}

// InitializeConnection asks the service for the descriptor a local
// initiator needs to reach the volume from host.
func (c *Client) InitializeConnection(ctx context.Context, id, host, initiator string, multipath bool) (*ConnectionInfo, error) {
	resp, err := c.Call(ctx, ActionInitializeConnection, id, host, initiator, multipath)
	if err != nil {
		return nil, err
	}
	info := &ConnectionInfo{}
	if err := resp.Decode(info); err != nil {
		return nil, errors.Wrapf(err, "%s", ActionInitializeConnection)
	}
	return info, nil
}

// AttachVolume records that the volume is attached to host at mountpoint.
func (c *Client) AttachVolume(ctx context.Context, id, host, mountpoint string) error {
	_, err := c.Call(ctx, ActionAttachVolume, id, host, mountpoint)
	return err
}

func (c *Client) DetachVolume(ctx context.Context, id, attachmentID string) error {
	_, err := c.Call(ctx, ActionDetachVolume, id, attachmentID)
	return err
}
