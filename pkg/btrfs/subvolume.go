package btrfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subvolume is one row of `btrfs subvolume list`.
type Subvolume struct {
	ID           uint64
	Generation   uint64
	TopLevel     uint64
	UUID         uuid.UUID
	ParentUUID   uuid.UUID // zero when the subvolume is not a snapshot
	ReceivedUUID uuid.UUID // zero unless created by `btrfs receive`
	Path         string    // relative to the filesystem root
}

// SubvolumeInfo is the detail view from `btrfs subvolume show`.
type SubvolumeInfo struct {
	Name         string
	UUID         uuid.UUID
	ParentUUID   uuid.UUID
	ReceivedUUID uuid.UUID
	CreatedAt    time.Time
	ReadOnly     bool
}

// ListSubvolumes lists every subvolume below the given mount point.
func (c *Client) ListSubvolumes(ctx context.Context, mountPoint string) ([]Subvolume, error) {
	// -o below the path only, -u uuid, -q parent uuid, -R received uuid.
	out, err := c.runner.Run(ctx, "btrfs", "subvolume", "list", "-uqRo", mountPoint)
	if err != nil {
		return nil, c.wrapError("subvolume list", mountPoint, err)
	}
	subs, err := parseSubvolumeList(out)
	if err != nil {
		return nil, c.wrapError("subvolume list", mountPoint, err)
	}
	return subs, nil
}

// SubvolumeShow queries a single subvolume by absolute path.
func (c *Client) SubvolumeShow(ctx context.Context, path string) (*SubvolumeInfo, error) {
	out, err := c.runner.Run(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		return nil, c.wrapError("subvolume show", path, err)
	}
	info, err := parseSubvolumeShow(out)
	if err != nil {
		return nil, c.wrapError("subvolume show", path, err)
	}
	return info, nil
}

// SnapshotReadOnly creates a read-only snapshot of src at dest. Only
// read-only snapshots can feed `btrfs send`.
func (c *Client) SnapshotReadOnly(ctx context.Context, src, dest string) error {
	_, err := c.runner.Run(ctx, "btrfs", "subvolume", "snapshot", "-r", src, dest)
	return c.wrapError("subvolume snapshot", dest, err)
}

// DeleteSubvolume removes the subvolume at the given absolute path.
func (c *Client) DeleteSubvolume(ctx context.Context, path string) error {
	_, err := c.runner.Run(ctx, "btrfs", "subvolume", "delete", path)
	return c.wrapError("subvolume delete", path, err)
}

// parseSubvolumeList parses `btrfs subvolume list -uqRo` output. Fields are
// keyword-prefixed, one subvolume per line:
//
//	ID 257 gen 10 top level 5 parent_uuid - received_uuid - uuid 499a4f1e-... path data/sub1
func parseSubvolumeList(out []byte) ([]Subvolume, error) {
	var subs []Subvolume
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sub, err := parseSubvolumeLine(line)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseSubvolumeLine(line string) (Subvolume, error) {
	var sub Subvolume
	fields := strings.Fields(line)

	for i := 0; i < len(fields); i++ {
		key := fields[i]
		if key == "path" {
			// Path is always last and may contain spaces.
			_, rest, _ := strings.Cut(line, " path ")
			sub.Path = strings.TrimSpace(rest)
			break
		}
		if key == "top" && i+1 < len(fields) && fields[i+1] == "level" {
			key, i = "top level", i+1
		}
		if i+1 >= len(fields) {
			return Subvolume{}, fmt.Errorf("truncated subvolume line %q", line)
		}
		value := fields[i+1]
		i++

		var err error
		switch key {
		case "ID":
			sub.ID, err = strconv.ParseUint(value, 10, 64)
		case "gen":
			sub.Generation, err = strconv.ParseUint(value, 10, 64)
		case "top level":
			sub.TopLevel, err = strconv.ParseUint(value, 10, 64)
		case "uuid":
			sub.UUID, err = parseOptionalUUID(value)
		case "parent_uuid":
			sub.ParentUUID, err = parseOptionalUUID(value)
		case "received_uuid":
			sub.ReceivedUUID, err = parseOptionalUUID(value)
		}
		if err != nil {
			return Subvolume{}, fmt.Errorf("parsing %s in %q: %w", key, line, err)
		}
	}

	if sub.ID == 0 || sub.Path == "" {
		return Subvolume{}, fmt.Errorf("incomplete subvolume line %q", line)
	}
	return sub, nil
}

// parseSubvolumeShow parses the key/value section of `btrfs subvolume show`.
func parseSubvolumeShow(out []byte) (*SubvolumeInfo, error) {
	info := &SubvolumeInfo{}
	var err error

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Name":
			info.Name = value
		case "UUID":
			info.UUID, err = parseOptionalUUID(value)
		case "Parent UUID":
			info.ParentUUID, err = parseOptionalUUID(value)
		case "Received UUID":
			info.ReceivedUUID, err = parseOptionalUUID(value)
		case "Creation time":
			info.CreatedAt, err = time.Parse("2006-01-02 15:04:05 -0700", value)
		case "Flags":
			info.ReadOnly = strings.Contains(value, "readonly")
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
	}

	if info.UUID == uuid.Nil {
		return nil, fmt.Errorf("no uuid in subvolume show output")
	}
	return info, nil
}

// parseOptionalUUID maps the "-" placeholder to the zero UUID.
func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "-" || s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
