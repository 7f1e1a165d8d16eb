package utils

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/wait"

	log "github.com/sirupsen/logrus"
)

// CommandRunner runs a program with its arguments and returns its combined output.
type CommandRunner func(name string, args ...string) (string, error)

// Usage represents the used and available bytes of a mounted volume.
type Usage struct {
	// Used represents the total bytes used by the volume.
	Used *resource.Quantity

	// Capacity represents the total capacity (bytes) of the volume's
	// underlying storage.
	Capacity *resource.Quantity

	// Available represents the storage space available (bytes) for the
	// volume.
	Available *resource.Quantity

	Inodes     *resource.Quantity
	InodesFree *resource.Quantity
	InodesUsed *resource.Quantity
}

// RunCommand runs name with args, without a shell. Arguments are left out
// of the error since they may carry credentials.
func RunCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("Failed to run cmd: %s, with out: %s, with error: %s", name, strings.TrimSpace(string(out)), err.Error())
	}
	return string(out), nil
}

// CreateDir create the target directory with error handling
func CreateDir(target string, mode int) error {
	fi, err := os.Lstat(target)

	if os.IsNotExist(err) {
		if err := os.MkdirAll(target, os.FileMode(mode)); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if fi != nil && !fi.IsDir() {
		return fmt.Errorf("%s already exist but it's not a directory", target)
	}
	return nil
}

// FileExisted checks if a file  or directory exists
func FileExisted(filename string) bool {
	_, err := os.Stat(filename)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	} else {
		return true
	}
}

// IsDir checks if the target path is directory
func IsDir(path string) bool {
	s, err := os.Stat(path)
	if err != nil {
		return false
	}
	return s.IsDir()
}

// WaitForPath polls until path exists or the timeout expires.
func WaitForPath(path string, interval, timeout time.Duration) error {
	err := wait.PollImmediate(interval, timeout, func() (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	})
	if err == wait.ErrWaitTimeout {
		return fmt.Errorf("path %s does not exist after %s", path, timeout)
	}
	return err
}

// ServerReachable tests whether a server is connection using TCP
func ServerReachable(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		log.Errorf("server %s is not reachable", address)
		return false
	}
	defer conn.Close()
	return true
}

// InitSentry configures the sentry client. An empty dsn falls back to the
// SENTRY_DSN environment variable; without any dsn events are dropped.
func InitSentry(dsn, release string) error {
	return sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: release})
}

func SentrySendError(errorInfo error) {
	sentry.CaptureException(errorInfo)
	// Flush buffered events before the program terminates.
	sentry.Flush(2 * time.Second)
}

// GetUsage returns the filesystem usage of the volume mounted at path.
func GetUsage(path string) (*Usage, error) {
	if path == "" {
		return nil, fmt.Errorf("GetUsage: no path given")
	}
	available, capacity, usage, inodes, inodesFree, inodesUsed, err := FsInfo(path)
	if err != nil {
		return nil, err
	}

	return &Usage{
		Available:  resource.NewQuantity(available, resource.BinarySI),
		Capacity:   resource.NewQuantity(capacity, resource.BinarySI),
		Used:       resource.NewQuantity(usage, resource.BinarySI),
		Inodes:     resource.NewQuantity(inodes, resource.DecimalSI),
		InodesFree: resource.NewQuantity(inodesFree, resource.DecimalSI),
		InodesUsed: resource.NewQuantity(inodesUsed, resource.DecimalSI),
	}, nil
}

// FSInfo linux returns (available bytes, byte capacity, byte usage, total inodes, inodes free, inode usage, error)
// for the filesystem that path resides upon.
func FsInfo(path string) (int64, int64, int64, int64, int64, int64, error) {
	statfs := &unix.Statfs_t{}
	err := unix.Statfs(path, statfs)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, err
	}

	// Available is blocks available * fragment size
	available := int64(statfs.Bavail) * int64(statfs.Bsize)

	// Capacity is total block count * fragment size
	capacity := int64(statfs.Blocks) * int64(statfs.Bsize)

	// Usage is block being used * fragment size (aka block size).
	usage := (int64(statfs.Blocks) - int64(statfs.Bfree)) * int64(statfs.Bsize)

	inodes := int64(statfs.Files)
	inodesFree := int64(statfs.Ffree)
	inodesUsed := inodes - inodesFree

	return available, capacity, usage, inodes, inodesFree, inodesUsed, nil
}
