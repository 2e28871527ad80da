// Package restic drives the restic backup tool as a subprocess. It speaks
// restic's --json output forms and nothing else; repository layout and
// encryption stay restic's business.
package restic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// BackupSummary is the final summary message of `restic backup --json`.
type BackupSummary struct {
	MessageType         string  `json:"message_type"`
	FilesNew            int     `json:"files_new"`
	FilesChanged        int     `json:"files_changed"`
	DataAdded           uint64  `json:"data_added"`
	TotalFilesProcessed int     `json:"total_files_processed"`
	TotalBytesProcessed uint64  `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
	SnapshotID          string  `json:"snapshot_id"`
}

// Snapshot is one entry of `restic snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
}

// hostTag keeps restic snapshot identity stable across daemon hosts being
// renamed; dedup and lookups key on it.
const hostTag = "snapwarden"

// Restic invokes the restic binary against a configured repository.
type Restic struct {
	binary string
	// run allows tests to substitute canned output for the subprocess.
	run func(ctx context.Context, repo model.ResticTarget, args ...string) ([]byte, error)
}

// New creates a driver for the restic binary on PATH.
func New() *Restic {
	r := &Restic{binary: "restic"}
	r.run = r.execRun
	return r
}

func (r *Restic) execRun(ctx context.Context, repo model.ResticTarget, args ...string) ([]byte, error) {
	logging.Debug().Str("repository", repo.Repository).Strs("args", args).Msg("Running restic")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "RESTIC_REPOSITORY="+repo.Repository)
	for key, value := range repo.Environment {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("restic %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// EnsureRepository initializes the repository unless it already exists.
func (r *Restic) EnsureRepository(ctx context.Context, repo model.ResticTarget) error {
	if _, err := r.run(ctx, repo, "cat", "config"); err == nil {
		return nil
	}
	logging.Info().Str("repository", repo.Repository).Msg("Initializing restic repository")
	if _, err := r.run(ctx, repo, "init"); err != nil {
		return err
	}
	return nil
}

// Backup uploads the directory tree at path, tagged so it can be found
// again, and returns the summary restic printed. The path should be a
// read-only snapshot so the upload is crash-consistent.
func (r *Restic) Backup(ctx context.Context, repo model.ResticTarget, path string, tags []string) (*BackupSummary, error) {
	args := []string{"backup", "--json", "--host", hostTag}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	args = append(args, path)

	out, err := r.run(ctx, repo, args...)
	if err != nil {
		return nil, err
	}
	summary, err := parseBackupSummary(out)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Snapshots lists repository snapshots carrying all given tags.
func (r *Restic) Snapshots(ctx context.Context, repo model.ResticTarget, tags []string) ([]Snapshot, error) {
	args := []string{"snapshots", "--json", "--host", hostTag}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}

	out, err := r.run(ctx, repo, args...)
	if err != nil {
		return nil, err
	}
	var snaps []Snapshot
	if err := json.Unmarshal(out, &snaps); err != nil {
		return nil, fmt.Errorf("parsing restic snapshots: %w", err)
	}
	return snaps, nil
}

// Forget removes the repository snapshots carrying all given tags and
// prunes their unreferenced data.
func (r *Restic) Forget(ctx context.Context, repo model.ResticTarget, tags []string) error {
	args := []string{"forget", "--prune", "--host", hostTag, "--tag", strings.Join(tags, ",")}
	_, err := r.run(ctx, repo, args...)
	return err
}

// parseBackupSummary scans restic's line-delimited JSON output for the
// summary message. Status lines in between are skipped.
func parseBackupSummary(out []byte) (*BackupSummary, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var summary *BackupSummary
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg BackupSummary
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType == "summary" {
			summary = &msg
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading restic output: %w", err)
	}
	if summary == nil {
		return nil, fmt.Errorf("restic backup produced no summary")
	}
	if summary.SnapshotID == "" {
		return nil, fmt.Errorf("restic summary carries no snapshot id")
	}
	return summary, nil
}

// UUIDTag and LabelTag build the tag pair every upload carries.
func UUIDTag(id string) string { return "uuid=" + id }

func LabelTag(label string) string { return "ts=" + label }
