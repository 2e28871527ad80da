package btrfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Filesystem is one btrfs filesystem as reported by `filesystem show`.
type Filesystem struct {
	Label        string
	UUID         uuid.UUID
	TotalDevices int
	BytesUsed    uint64
	Devices      []Device
}

// Device is one member device of a filesystem.
type Device struct {
	ID   int
	Size uint64
	Used uint64
	Path string
}

// FilesystemShow queries the filesystem mounted at the given path.
func (c *Client) FilesystemShow(ctx context.Context, mountPoint string) (*Filesystem, error) {
	out, err := c.runner.Run(ctx, "btrfs", "filesystem", "show", "--raw", mountPoint)
	if err != nil {
		return nil, c.wrapError("filesystem show", mountPoint, err)
	}
	fs, err := parseFilesystemShow(out)
	if err != nil {
		return nil, c.wrapError("filesystem show", mountPoint, err)
	}
	return fs, nil
}

// VerifyMount checks that the path is the mount point of a btrfs filesystem
// with the expected UUID. It guards every pool against running mutations on
// an unmounted directory or the wrong disk.
func (c *Client) VerifyMount(ctx context.Context, mountPoint string, fsUUID uuid.UUID) error {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return c.wrapError("statfs", mountPoint, err)
	}
	if st.Type != unix.BTRFS_SUPER_MAGIC {
		return c.wrapError("statfs", mountPoint, fmt.Errorf("not a btrfs filesystem (magic %#x)", st.Type))
	}

	fs, err := c.FilesystemShow(ctx, mountPoint)
	if err != nil {
		return err
	}
	if fs.UUID != fsUUID {
		return c.wrapError("verify", mountPoint, fmt.Errorf("filesystem uuid %s does not match expected %s", fs.UUID, fsUUID))
	}
	return nil
}

// parseFilesystemShow parses `btrfs filesystem show --raw` output.
//
//	Label: 'tank'  uuid: 8a7d8e0f-49f9-4eac-9e2e-6f35b8a7d8e0
//		Total devices 2 FS bytes used 1069547520
//		devid    1 size 10737418240 used 2172649472 path /dev/sda1
func parseFilesystemShow(out []byte) (*Filesystem, error) {
	fs := &Filesystem{}
	seenHeader := false

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Label:"):
			if seenHeader {
				return nil, fmt.Errorf("multiple filesystems in show output")
			}
			seenHeader = true
			if err := parseShowHeader(line, fs); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "Total devices"):
			if err := parseShowTotals(line, fs); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "devid"):
			dev, err := parseShowDevice(line)
			if err != nil {
				return nil, err
			}
			fs.Devices = append(fs.Devices, dev)
		}
	}

	if !seenHeader {
		return nil, fmt.Errorf("no filesystem in show output")
	}
	return fs, nil
}

func parseShowHeader(line string, fs *Filesystem) error {
	rest, ok := strings.CutPrefix(line, "Label:")
	if !ok {
		return fmt.Errorf("malformed header %q", line)
	}
	label, uuidPart, ok := strings.Cut(rest, "uuid:")
	if !ok {
		return fmt.Errorf("missing uuid in header %q", line)
	}

	label = strings.TrimSpace(label)
	label = strings.Trim(label, "'")
	if label == "none" {
		label = ""
	}
	fs.Label = label

	id, err := uuid.Parse(strings.TrimSpace(uuidPart))
	if err != nil {
		return fmt.Errorf("parsing filesystem uuid: %w", err)
	}
	fs.UUID = id
	return nil
}

func parseShowTotals(line string, fs *Filesystem) error {
	// Total devices 2 FS bytes used 1069547520
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return fmt.Errorf("malformed totals line %q", line)
	}
	total, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("parsing device count: %w", err)
	}
	used, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing bytes used: %w", err)
	}
	fs.TotalDevices = total
	fs.BytesUsed = used
	return nil
}

func parseShowDevice(line string) (Device, error) {
	// devid    1 size 10737418240 used 2172649472 path /dev/sda1
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Device{}, fmt.Errorf("malformed devid line %q", line)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return Device{}, fmt.Errorf("parsing devid: %w", err)
	}
	size, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Device{}, fmt.Errorf("parsing device size: %w", err)
	}
	used, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return Device{}, fmt.Errorf("parsing device used: %w", err)
	}
	return Device{ID: id, Size: size, Used: used, Path: fields[7]}, nil
}
