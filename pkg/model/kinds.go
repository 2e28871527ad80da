package model

import "fmt"

// JobKind identifies the three kinds of work the daemon performs per dataset.
type JobKind string

const (
	JobSnapshot  JobKind = "snapshot"
	JobPrune     JobKind = "prune"
	JobReplicate JobKind = "replicate"
)

// ParseJobKind converts a string into a JobKind.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobSnapshot, JobPrune, JobReplicate:
		return JobKind(s), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// Event returns the observable event a job of this kind produces.
func (k JobKind) Event() ObservedEvent {
	return ObservedEvent(k)
}

// ObservedEvent identifies an externally observable daemon activity. Observers
// subscribe to (entity, event) pairs and receive start/success/failure pings.
type ObservedEvent string

const (
	EventSnapshot  ObservedEvent = "snapshot"
	EventPrune     ObservedEvent = "prune"
	EventReplicate ObservedEvent = "replicate"
	EventScrub     ObservedEvent = "scrub"
)

// TargetKind selects the backend implementation for a replication target.
type TargetKind string

const (
	TargetLocalDir TargetKind = "localdir"
	TargetRestic   TargetKind = "restic"
)

// CompressionKind selects the stream compression for local directory targets.
type CompressionKind string

const (
	CompressionNone CompressionKind = "none"
	CompressionZstd CompressionKind = "zstd"
	CompressionGzip CompressionKind = "gzip"
)

// AccountState reflects the standing of the account behind a remote target.
// It is pushed in via the control interface and feeds the health monitor.
type AccountState string

const (
	AccountOK        AccountState = "ok"
	AccountPastDue   AccountState = "past_due"
	AccountSuspended AccountState = "suspended"
)

// AtRisk reports whether the account state endangers the target's data.
func (s AccountState) AtRisk() bool {
	return s == AccountPastDue || s == AccountSuspended
}
