package provider

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
)

func TestStateOf(t *testing.T) {
	const host = "node-1"

	cases := []struct {
		Name   string
		Volume *api.Volume
		Want   AttachState
	}{
		{
			Name: "absent",
			Want: Unknown,
		},
		{
			Name:   "nil attachments",
			Volume: &api.Volume{ID: "v1"},
			Want:   NotAttached,
		},
		{
			Name:   "empty attachments",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{}},
			Want:   NotAttached,
		},
		{
			Name: "only this host",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{
				{AttachmentID: "a1", HostName: host},
			}},
			Want: AttachedToThisHost,
		},
		{
			Name: "this host first",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{
				{AttachmentID: "a1", HostName: host},
				{AttachmentID: "a2", HostName: "node-2"},
			}},
			Want: AttachedToThisHost,
		},
		{
			Name: "this host last",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{
				{AttachmentID: "a2", HostName: "node-2"},
				{AttachmentID: "a3", HostName: "node-3"},
				{AttachmentID: "a1", HostName: "Node-1"},
			}},
			Want: AttachedToThisHost,
		},
		{
			Name: "server id wins over host name",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{
				{AttachmentID: "a1", ServerID: host, HostName: "ignored"},
			}},
			Want: AttachedToThisHost,
		},
		{
			Name: "other hosts only",
			Volume: &api.Volume{ID: "v1", Attachments: []api.Attachment{
				{AttachmentID: "a2", HostName: "node-2"},
				{AttachmentID: "a3", ServerID: "node-3", HostName: host},
			}},
			Want: AttachedToOtherHost,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			require.Equal(t, tc.Want, StateOf(tc.Volume, host))
		})
	}
}

func TestAttachState_String(t *testing.T) {
	require.Equal(t, "UNKNOWN", Unknown.String())
	require.Equal(t, "NOT_ATTACHED", NotAttached.String())
	require.Equal(t, "ATTACHED_TO_THIS_HOST", AttachedToThisHost.String())
	require.Equal(t, "ATTACHED_TO_OTHER_HOST", AttachedToOtherHost.String())
}

type listFunc func(ctx context.Context) ([]api.Volume, error)

func (f listFunc) ListVolumes(ctx context.Context) ([]api.Volume, error) {
	return f(ctx)
}

func TestResolver(t *testing.T) {
	volumes := []api.Volume{
		{ID: "v1", Name: "vol1"},
		{ID: "v2", Name: "vol2", Attachments: []api.Attachment{{AttachmentID: "a1", HostName: "node-2"}}},
		{ID: "v3", Name: "vol2"},
	}
	calls := 0
	r := NewResolver(listFunc(func(ctx context.Context) ([]api.Volume, error) {
		calls++
		return volumes, nil
	}), "node-1")

	vol, state, err := r.Resolve(context.Background(), "vol1")
	require.NoError(t, err)
	require.Equal(t, NotAttached, state)
	require.Equal(t, "v1", vol.ID)

	vol, state, err = r.Resolve(context.Background(), "vol2")
	require.NoError(t, err)
	require.Equal(t, AttachedToOtherHost, state)
	require.Equal(t, "v2", vol.ID)

	vol, state, err = r.Resolve(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, Unknown, state)
	require.Nil(t, vol)
	require.Equal(t, 3, calls)

	failing := NewResolver(listFunc(func(ctx context.Context) ([]api.Volume, error) {
		return nil, errors.New("etcd down")
	}), "node-1")
	vol, state, err = failing.Resolve(context.Background(), "vol1")
	require.Error(t, err)
	require.Equal(t, Unknown, state)
	require.Nil(t, vol)
}
