package smoke

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const volumeTable = `+--------------------------------------+------+-----------+--------+
| Id                                   | Name | Size      | Status |
+--------------------------------------+------+-----------+--------+
| 0c7a2f4e-6d35-4f4b-9f62-3b0e6a9d2a11 | vol1 | 1         | creating |
+--------------------------------------+------+-----------+--------+
`

const createOutput = `+-------------+--------------------------------------+
| Property    | Value                                |
+-------------+--------------------------------------+
| Id          | 0c7a2f4e-6d35-4f4b-9f62-3b0e6a9d2a11 |
| Name        | vol1                                 |
| Size        | 1                                    |
+-------------+--------------------------------------+
`

func TestRetryCheck(t *testing.T) {
	old := checkDelay
	checkDelay = time.Millisecond
	defer func() { checkDelay = old }()

	cases := []struct {
		Name    string
		Results []string
		Want    string
		Calls   int
	}{
		{
			Name:    "available at once",
			Results: []string{"available"},
			Want:    "available",
			Calls:   1,
		},
		{
			Name:    "available on third attempt",
			Results: []string{"creating", "creating", "available"},
			Want:    "available",
			Calls:   3,
		},
		{
			Name:    "available on last attempt",
			Results: []string{"creating", "creating", "creating", "creating", "available"},
			Want:    "available",
			Calls:   5,
		},
		{
			Name:    "never available",
			Results: []string{"creating", "creating", "creating", "creating", "error", "available"},
			Want:    "error",
			Calls:   5,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			calls := 0
			got := RetryCheck(func() string {
				r := tc.Results[calls]
				calls++
				return r
			})
			require.Equal(t, tc.Want, got)
			require.Equal(t, tc.Calls, calls)
		})
	}
}

func TestGetIndex(t *testing.T) {
	idx, err := GetIndex(volumeTable, "Status")
	require.NoError(t, err)
	require.Equal(t, 4, idx)

	idx, err = GetIndex(volumeTable, "Id")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	_, err = GetIndex(volumeTable, "Missing")
	require.Error(t, err)

	_, err = GetIndex("no table here", "Id")
	require.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	status, err := GetStatus(volumeTable)
	require.NoError(t, err)
	require.Equal(t, "creating", status)

	_, err = GetStatus(createOutput)
	require.Error(t, err)
}

func TestGetID(t *testing.T) {
	id, err := GetID(createOutput)
	require.NoError(t, err)
	require.Equal(t, "0c7a2f4e-6d35-4f4b-9f62-3b0e6a9d2a11", id)

	_, err = GetID("| Name | vol1 |")
	require.Error(t, err)
}

type fakeCLI struct {
	calls   [][]string
	outputs map[string]string
	stderr  map[string]string
}

func (f *fakeCLI) exec(ctx context.Context, argv []string) (string, string, error) {
	f.calls = append(f.calls, argv)
	key := strings.Join(argv, " ")
	if s, ok := f.stderr[key]; ok {
		return "", s, errors.New("exit status 1")
	}
	return f.outputs[key], "", nil
}

func TestHarness(t *testing.T) {
	old := checkDelay
	checkDelay = time.Millisecond
	defer func() { checkDelay = old }()

	const id = "0c7a2f4e-6d35-4f4b-9f62-3b0e6a9d2a11"
	cli := &fakeCLI{
		outputs: map[string]string{
			"osdsctl volume create 1 --name=vol1": createOutput,
			"osdsctl volume list --id " + id:      strings.Replace(volumeTable, "creating", "available", 1),
		},
		stderr: map[string]string{
			"osdsctl volume delete missing": "volume missing not found\n",
		},
	}
	h := NewHarness("osdsctl")
	h.exec = cli.exec
	ctx := context.Background()

	got, err := h.VolumeCreate(ctx, "vol1", 1)
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.NoError(t, h.CheckVolumeAvailable(ctx, id))
	require.NoError(t, h.VolumeDelete(ctx, id))
	require.Equal(t, []string{"osdsctl", "volume", "delete", id}, cli.calls[len(cli.calls)-1])

	err = h.VolumeDelete(ctx, "missing")
	require.EqualError(t, err, "volume missing not found")

	_, err = h.RunCommand(ctx, `osdsctl profile create '{"name": "block"}'`)
	require.NoError(t, err)
	require.Equal(t, []string{"osdsctl", "profile", "create", `{"name": "block"}`}, cli.calls[len(cli.calls)-1])

	_, err = h.RunCommand(ctx, "  ")
	require.Error(t, err)
}

func TestHarness_CheckVolumeNeverAvailable(t *testing.T) {
	old := checkDelay
	checkDelay = time.Millisecond
	defer func() { checkDelay = old }()

	cli := &fakeCLI{outputs: map[string]string{"osdsctl volume list --id v1": volumeTable}}
	h := NewHarness("osdsctl")
	h.exec = cli.exec

	err := h.CheckVolumeAvailable(context.Background(), "v1")
	require.EqualError(t, err, "the volume status is: creating")
	require.Len(t, cli.calls, checkMaxAttempts)
}
