package api

import (
	"encoding/json"
	"strings"
)

// Volume status values reported by the orchestration service.
const (
	StatusCreating  = "creating"
	StatusAvailable = "available"
	StatusReserved  = "reserved"
	StatusAttaching = "attaching"
	StatusInUse     = "in-use"
	StatusDetaching = "detaching"
	StatusDeleting  = "deleting"
	StatusError     = "error"
)

// MetadataFsType is the volume metadata key holding the filesystem type.
const MetadataFsType = "fstype"

// Volume is a remote volume as returned by GetVolume and GetAllVolumes.
type Volume struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Size        int64             `json:"size"`
	Status      string            `json:"status,omitempty"`
	Multiattach bool              `json:"multiattach"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attachments []Attachment      `json:"attachments"`
}

func (v *Volume) ToJsonString() string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (v *Volume) FromJsonString(s string) error {
	return json.Unmarshal([]byte(s), v)
}

// FsType returns the filesystem type recorded on the volume, or "" if none.
func (v *Volume) FsType() string {
	if v.Metadata == nil {
		return ""
	}
	return strings.ToLower(v.Metadata[MetadataFsType])
}

// AttachmentFor returns the first attachment owned by host, or nil.
func (v *Volume) AttachmentFor(host string) *Attachment {
	for i := range v.Attachments {
		if v.Attachments[i].Host() == host {
			return &v.Attachments[i]
		}
	}
	return nil
}

// Attachment records one host a volume is attached to.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	ServerID     string `json:"server_id,omitempty"`
	HostName     string `json:"host_name,omitempty"`
	Mountpoint   string `json:"mountpoint,omitempty"`
}

// Host is the host identity of the attachment: the server id when the
// service recorded one, else the lower-cased host name.
func (a Attachment) Host() string {
	if a.ServerID != "" {
		return strings.ToLower(a.ServerID)
	}
	return strings.ToLower(a.HostName)
}

// ConnectionInfo is the descriptor returned by InitializeConnection.
type ConnectionInfo struct {
	DriverVolumeType string                 `json:"driver_volume_type"`
	Data             map[string]interface{} `json:"data"`
}

func (c *ConnectionInfo) ToJsonString() string {
	b, _ := json.Marshal(c)
	return string(b)
}

func (c *ConnectionInfo) FromJsonString(s string) error {
	return json.Unmarshal([]byte(s), c)
}

// ErrorResponse is the body the service sends back for a failed action.
type ErrorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound        = "NotFound"
	CodeConflict        = "Conflict"
	CodeInvalidArgument = "InvalidArgument"
)
