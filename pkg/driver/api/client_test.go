package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api/apitest"
)

func newClient(svc *apitest.Service) *api.Client {
	return api.NewClient(svc, common.DefaultResourceType, time.Second)
}

func TestEncodeRequest(t *testing.T) {
	cases := []struct {
		Name    string
		Action  string
		Args    []interface{}
		Want    string
		WantErr error
	}{
		{
			Name:   "no args",
			Action: api.ActionGetAllVolumes,
			Want:   "GetAllVolumes,cinder",
		},
		{
			Name:   "mixed args",
			Action: api.ActionCreateVolume,
			Args:   []interface{}{"vol1", int64(1), "fstype=ext4"},
			Want:   "CreateVolume,cinder,vol1,1,fstype=ext4",
		},
		{
			Name:   "bool arg",
			Action: api.ActionGetAllVolumes,
			Args:   []interface{}{true},
			Want:   "GetAllVolumes,cinder,true",
		},
		{
			Name:    "delimiter in arg",
			Action:  api.ActionCreateVolume,
			Args:    []interface{}{"a,b", 1},
			WantErr: common.ErrInvalidArgument,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := api.EncodeRequest(tc.Action, common.DefaultResourceType, tc.Args...)
			if tc.WantErr != nil {
				require.True(t, errors.Is(err, tc.WantErr), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.Want, got)
		})
	}
}

func TestClient_VolumeLifecycle(t *testing.T) {
	svc := apitest.NewService()
	client := newClient(svc)
	ctx := context.Background()

	vol, err := client.CreateVolume(ctx, "vol1", 2, map[string]string{"fstype": "xfs"})
	require.NoError(t, err)
	require.NotEmpty(t, vol.ID)
	require.Equal(t, "vol1", vol.Name)
	require.Equal(t, int64(2), vol.Size)
	require.Equal(t, "xfs", vol.FsType())
	require.Empty(t, vol.Attachments)
	require.Equal(t, 1, svc.Calls(api.ActionCreateVolume))

	got, err := client.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	require.Equal(t, vol.ID, got.ID)

	renamed, err := client.UpdateVolume(ctx, vol.ID, "vol2")
	require.NoError(t, err)
	require.Equal(t, "vol2", renamed.Name)

	volumes, err := client.ListVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	require.Equal(t, "vol2", volumes[0].Name)

	require.NoError(t, client.DeleteVolume(ctx, vol.ID))
	_, err = client.GetVolume(ctx, vol.ID)
	require.True(t, errors.Is(err, common.ErrNotFound), "unexpected error: %v", err)
}

func TestClient_Attachments(t *testing.T) {
	svc := apitest.NewService()
	svc.Connection = api.ConnectionInfo{
		DriverVolumeType: "iscsi",
		Data:             map[string]interface{}{"targetLun": 1},
	}
	client := newClient(svc)
	ctx := context.Background()
	vol := svc.AddVolume(api.Volume{Name: "vol1", Size: 1})

	require.NoError(t, client.ReserveVolume(ctx, vol.ID))
	err := client.ReserveVolume(ctx, vol.ID)
	require.True(t, errors.Is(err, common.ErrConflict), "unexpected error: %v", err)
	require.NoError(t, client.UnreserveVolume(ctx, vol.ID))

	info, err := client.InitializeConnection(ctx, vol.ID, "host-a", "iqn.1994-05.com.redhat:a", false)
	require.NoError(t, err)
	require.Equal(t, "iscsi", info.DriverVolumeType)
	require.EqualValues(t, 1, info.Data["targetLun"])

	require.NoError(t, client.AttachVolume(ctx, vol.ID, "host-a", "/mnt/vol1"))
	got, err := client.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "host-a", got.Attachments[0].Host())
	require.Equal(t, api.StatusInUse, got.Status)

	err = client.DeleteVolume(ctx, vol.ID)
	require.True(t, errors.Is(err, common.ErrConflict), "unexpected error: %v", err)

	require.NoError(t, client.DetachVolume(ctx, vol.ID, got.Attachments[0].AttachmentID))
	got, err = client.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	require.Empty(t, got.Attachments)
	require.Equal(t, api.StatusAvailable, got.Status)
}

func TestClient_ErrorCodes(t *testing.T) {
	cases := []struct {
		Name string
		Code string
		Want error
	}{
		{Name: "not found", Code: api.CodeNotFound, Want: common.ErrNotFound},
		{Name: "conflict", Code: api.CodeConflict, Want: common.ErrConflict},
		{Name: "invalid", Code: api.CodeInvalidArgument, Want: common.ErrInvalidArgument},
		{Name: "unknown code", Code: "Internal", Want: common.ErrTransport},
		{Name: "no code", Code: "", Want: common.ErrTransport},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			svc := apitest.NewService()
			svc.FailOn(api.ActionGetAllVolumes, tc.Code, "boom")
			_, err := newClient(svc).ListVolumes(context.Background())
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.Want), "unexpected error: %v", err)
			require.Contains(t, err.Error(), "boom")
		})
	}
}

func TestClient_RawFallback(t *testing.T) {
	svc := apitest.NewService()
	client := newClient(svc)
	ctx := context.Background()
	vol := svc.AddVolume(api.Volume{Name: "vol1", Size: 1})

	svc.RawOn(api.ActionDeleteVolume, "deleted")
	resp, err := client.Call(ctx, api.ActionDeleteVolume, vol.ID)
	require.NoError(t, err)
	require.False(t, resp.Parsed)
	require.Equal(t, "deleted", resp.Raw)
	require.NoError(t, client.DeleteVolume(ctx, vol.ID))

	svc.RawOn(api.ActionGetVolume, "<html>bad gateway</html>")
	_, err = client.GetVolume(ctx, vol.ID)
	require.True(t, errors.Is(err, common.ErrTransport), "unexpected error: %v", err)
}

func TestClient_Timeout(t *testing.T) {
	svc := apitest.NewService()
	svc.HangOn(api.ActionGetAllVolumes)
	client := api.NewClient(svc, common.DefaultResourceType, 20*time.Millisecond)

	start := time.Now()
	volumes, err := client.ListVolumes(context.Background())
	require.Nil(t, volumes)
	require.True(t, errors.Is(err, common.ErrTransport), "unexpected error: %v", err)
	require.Less(t, time.Since(start), time.Second)
}
