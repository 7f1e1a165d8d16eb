package mount

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
)

type fakeSystem struct {
	table   []*mountinfo.Info
	blkid   string
	blkErr  error
	ran     []string
	mounted []string
}

func (s *fakeSystem) getMounts(f mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	var out []*mountinfo.Info
	for _, info := range s.table {
		skip, stop := f(info)
		if !skip {
			out = append(out, info)
		}
		if stop {
			break
		}
	}
	return out, nil
}

func (s *fakeSystem) run(name string, args ...string) (string, error) {
	s.ran = append(s.ran, strings.Join(append([]string{name}, args...), " "))
	if name == "blkid" {
		return s.blkid, s.blkErr
	}
	return "", nil
}

func (s *fakeSystem) mount(device, target, fsType, options string) error {
	s.mounted = append(s.mounted, device+" "+target+" "+fsType)
	s.table = append(s.table, &mountinfo.Info{Source: device, Mountpoint: target, FSType: fsType})
	return nil
}

func (s *fakeSystem) unmount(target string) error {
	for i, info := range s.table {
		if info.Mountpoint == target {
			s.table = append(s.table[:i], s.table[i+1:]...)
			break
		}
	}
	return nil
}

func newTestMounter(t *testing.T) (*Mounter, *fakeSystem, string, string) {
	dir := t.TempDir()
	device := filepath.Join(dir, "sdb")
	require.NoError(t, os.WriteFile(device, nil, 0644))
	link := filepath.Join(dir, "vol-1")
	require.NoError(t, os.Symlink(device, link))
	resolved, err := filepath.EvalSymlinks(device)
	require.NoError(t, err)

	sys := &fakeSystem{}
	m := &Mounter{run: sys.run, getMounts: sys.getMounts, mount: sys.mount, unmount: sys.unmount}
	return m, sys, link, resolved
}

func TestGetMountpointsByDevice(t *testing.T) {
	m, sys, link, device := newTestMounter(t)
	sys.table = []*mountinfo.Info{
		{Source: device, Mountpoint: "/mnt/a"},
		{Source: "/dev/sdc", Mountpoint: "/mnt/b"},
		{Source: device, Mountpoint: "/mnt/c"},
	}

	got, err := m.GetMountpointsByDevice(link)
	require.NoError(t, err)
	require.Equal(t, []string{"/mnt/a", "/mnt/c"}, got)

	_, err = m.GetMountpointsByDevice(filepath.Join(t.TempDir(), "missing"))
	require.True(t, errors.Is(err, common.ErrLocalIO), "unexpected error: %v", err)
}

func TestMount(t *testing.T) {
	cases := []struct {
		Name        string
		Blkid       string
		BlkErr      error
		FsType      string
		WantRan     []string
		WantMounted string
	}{
		{
			Name:        "blank device is formatted",
			BlkErr:      errors.New("Failed to run cmd: blkid, with error: exit status 2"),
			FsType:      "ext4",
			WantRan:     []string{"blkid", "mkfs.ext4 -F"},
			WantMounted: "ext4",
		},
		{
			Name:        "blank device as xfs",
			BlkErr:      errors.New("Failed to run cmd: blkid, with error: exit status 2"),
			FsType:      "xfs",
			WantRan:     []string{"blkid", "mkfs.xfs"},
			WantMounted: "xfs",
		},
		{
			Name:        "existing filesystem wins",
			Blkid:       "xfs\n",
			FsType:      "ext4",
			WantRan:     []string{"blkid"},
			WantMounted: "xfs",
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			m, sys, link, _ := newTestMounter(t)
			sys.blkid = tc.Blkid
			sys.blkErr = tc.BlkErr
			mountpoint := filepath.Join(t.TempDir(), "mnt", "vol1")

			require.NoError(t, m.Mount(link, mountpoint, tc.FsType))
			require.True(t, dirExists(mountpoint))
			require.Len(t, sys.ran, len(tc.WantRan))
			for i, prefix := range tc.WantRan {
				require.Contains(t, sys.ran[i], prefix)
			}
			require.Equal(t, []string{link + " " + mountpoint + " " + tc.WantMounted}, sys.mounted)
		})
	}
}

func TestMount_AlreadyMounted(t *testing.T) {
	m, sys, link, device := newTestMounter(t)
	mountpoint := filepath.Join(t.TempDir(), "vol1")
	sys.table = []*mountinfo.Info{{Source: device, Mountpoint: mountpoint}}

	require.NoError(t, m.Mount(link, mountpoint, "ext4"))
	require.Empty(t, sys.ran)
	require.Empty(t, sys.mounted)
}

func TestMount_Errors(t *testing.T) {
	m, sys, link, _ := newTestMounter(t)
	sys.blkErr = errors.New("exit status 4")
	err := m.Mount(link, filepath.Join(t.TempDir(), "vol1"), "ext4")
	require.True(t, errors.Is(err, common.ErrLocalIO), "unexpected error: %v", err)

	m, sys, link, _ = newTestMounter(t)
	sys.blkErr = errors.New("exit status 2")
	err = m.Mount(link, filepath.Join(t.TempDir(), "vol1"), "btrfs")
	require.True(t, errors.Is(err, common.ErrInvalidArgument), "unexpected error: %v", err)
}

func TestUnmount(t *testing.T) {
	m, sys, link, device := newTestMounter(t)
	sys.table = []*mountinfo.Info{{Source: device, Mountpoint: "/mnt/vol1"}}

	require.NoError(t, m.Unmount("/mnt/vol1"))
	got, err := m.GetMountpointsByDevice(link)
	require.NoError(t, err)
	require.Empty(t, got)
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
