package plugin

// ContentType is the media type docker uses for plugin requests and replies.
const ContentType = "application/vnd.docker.plugins.v1.2+json"

// Plugin endpoints.
const (
	PathActivate     = "/Plugin.Activate"
	PathCreate       = "/VolumeDriver.Create"
	PathRemove       = "/VolumeDriver.Remove"
	PathMount        = "/VolumeDriver.Mount"
	PathUnmount      = "/VolumeDriver.Unmount"
	PathPath         = "/VolumeDriver.Path"
	PathGet          = "/VolumeDriver.Get"
	PathList         = "/VolumeDriver.List"
	PathCapabilities = "/VolumeDriver.Capabilities"
)

const ScopeGlobal = "global"

type ActivateResponse struct {
	Implements []string `json:"Implements"`
}

type CreateRequest struct {
	Name string            `json:"Name"`
	Opts map[string]string `json:"Opts,omitempty"`
}

// NameRequest is the body of Remove, Path and Get.
type NameRequest struct {
	Name string `json:"Name"`
}

// MountRequest is the body of Mount and Unmount. ID identifies the caller.
type MountRequest struct {
	Name string `json:"Name"`
	ID   string `json:"ID,omitempty"`
}

type ErrorResponse struct {
	Err string `json:"Err"`
}

type MountResponse struct {
	Mountpoint string `json:"Mountpoint"`
	Err        string `json:"Err"`
}

type Volume struct {
	Name       string                 `json:"Name"`
	Mountpoint string                 `json:"Mountpoint,omitempty"`
	Status     map[string]interface{} `json:"Status,omitempty"`
}

type GetResponse struct {
	Volume *Volume `json:"Volume,omitempty"`
	Err    string  `json:"Err"`
}

type ListResponse struct {
	Volumes []*Volume `json:"Volumes"`
	Err     string    `json:"Err"`
}

type Capability struct {
	Scope string `json:"Scope"`
}

type CapabilitiesResponse struct {
	Capabilities Capability `json:"Capabilities"`
}
