package btrfs

import (
	"context"
	"io"
)

// Send starts a send stream for the read-only snapshot at path. When
// parent is non-empty the stream is incremental against that snapshot,
// which the receiver must already hold. The caller owns the stream and
// must Close it to reap the process.
func (c *Client) Send(ctx context.Context, path, parent string) (*Stream, error) {
	args := []string{"send"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	args = append(args, path)

	stream, err := c.runner.Stream(ctx, "btrfs", args...)
	if err != nil {
		return nil, c.wrapError("send", path, err)
	}
	return stream, nil
}

// Receive applies a send stream below the given directory, creating the
// subvolume the stream describes.
func (c *Client) Receive(ctx context.Context, dir string, stream io.Reader) error {
	_, err := c.runner.RunInput(ctx, stream, "btrfs", "receive", dir)
	return c.wrapError("receive", dir, err)
}
