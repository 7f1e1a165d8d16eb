package provider

import (
	"context"

	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
)

// AttachState classifies a volume's attachments relative to this host.
type AttachState int

const (
	Unknown AttachState = iota
	NotAttached
	AttachedToThisHost
	AttachedToOtherHost
)

func (s AttachState) String() string {
	switch s {
	case NotAttached:
		return "NOT_ATTACHED"
	case AttachedToThisHost:
		return "ATTACHED_TO_THIS_HOST"
	case AttachedToOtherHost:
		return "ATTACHED_TO_OTHER_HOST"
	default:
		return "UNKNOWN"
	}
}

// StateOf returns the attach state of vol as seen from host. A nil volume
// is Unknown.
func StateOf(vol *api.Volume, host string) AttachState {
	if vol == nil {
		return Unknown
	}
	if len(vol.Attachments) == 0 {
		return NotAttached
	}
	if vol.AttachmentFor(host) != nil {
		return AttachedToThisHost
	}
	return AttachedToOtherHost
}

// Lister lists the volumes known to the orchestration service.
type Lister interface {
	ListVolumes(ctx context.Context) ([]api.Volume, error)
}

// Resolver looks volumes up by name and computes their attach state for a
// fixed host identity.
type Resolver struct {
	lister Lister
	host   string
}

func NewResolver(lister Lister, host string) *Resolver {
	return &Resolver{lister: lister, host: host}
}

// Resolve returns the first listed volume named name and its state. The
// volume is nil when the state is Unknown.
func (r *Resolver) Resolve(ctx context.Context, name string) (*api.Volume, AttachState, error) {
	volumes, err := r.lister.ListVolumes(ctx)
	if err != nil {
		return nil, Unknown, err
	}
	for i := range volumes {
		if volumes[i].Name == name {
			vol := &volumes[i]
			return vol, StateOf(vol, r.host), nil
		}
	}
	return nil, Unknown, nil
}
