package btrfs

import (
	"context"
)

// scrubExitUncorrectable is returned by `btrfs scrub start -B` when the
// scrub finished but found errors it could not repair.
const scrubExitUncorrectable = 3

// ScrubResult is the outcome of a completed scrub pass.
type ScrubResult struct {
	// Uncorrectable is true when the scrub ran to completion but left
	// errors behind. The pool data can no longer be trusted.
	Uncorrectable bool
	// Report is the raw statistics output for logging.
	Report string
}

// Scrub runs a foreground scrub of the whole filesystem and blocks until
// it finishes. A scrub that completes with uncorrectable errors is not an
// operation failure; it is reported through the result so callers can
// raise corruption alerts separately from scrub breakage.
func (c *Client) Scrub(ctx context.Context, mountPoint string) (*ScrubResult, error) {
	// -B foreground, -R raw per-device statistics, -d per-device summary.
	out, err := c.runner.Run(ctx, "btrfs", "scrub", "start", "-BRd", mountPoint)
	if err != nil {
		if ExitCode(err) == scrubExitUncorrectable {
			return &ScrubResult{Uncorrectable: true, Report: string(out)}, nil
		}
		return nil, c.wrapError("scrub", mountPoint, err)
	}
	return &ScrubResult{Report: string(out)}, nil
}
