// Package lockfile guards against two daemon instances managing the same
// state directory. The lock is a JSON file refreshed by a heartbeat; a lock
// whose heartbeat stopped long enough ago counts as stale and may be taken
// over, so a crashed daemon never wedges the next start.
package lockfile

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// LockContent is the document written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	// Nonce disambiguates concurrent takeover attempts on a stale lock.
	Nonce string `json:"nonce,omitempty"`
	Owner string `json:"owner"`
}

// ErrLockActive reports a lock held by a live process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Owner     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host %q (%s), last updated %s ago",
		e.PID, e.Hostname, e.Owner, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process wins a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held lock. Release stops the heartbeat and removes the file.
type Lock struct {
	path    string
	content LockContent

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	held   bool
}

// Vars so tests can shorten the timings.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout must cover several missed heartbeats before a lock is
	// considered abandoned.
	staleTimeout = 3 * heartbeatInterval
)

// Acquire takes the lock at path for owner. It returns *ErrLockActive when
// another live process holds it, and retries internally through takeover
// races on stale locks. ctx bounds the acquisition attempt only; the
// heartbeat runs until Release.
func Acquire(ctx context.Context, path string, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(path, owner)
		if err == nil {
			cleanupTempLockFiles(path)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// The file exists. Decide between live, stale and corrupt.
		content, readErr := readLockContentSafely(path)
		if readErr != nil {
			if !errors.Is(readErr, ErrCorruptLockFile) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			logging.Warn().Str("path", path).Err(readErr).Msg("Found corrupt lock file, treating as stale")
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					Owner:     content.Owner,
					TimeSince: elapsed,
				}
			}
			logging.Warn().Int64("pid", content.PID).Dur("age", elapsed).Msg("Found stale lock, attempting takeover")
		}

		lock, takeoverErr := attemptStaleLockTakeover(path, owner)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				logging.Debug().Msg("Lock takeover race lost, retrying acquisition")
			} else {
				logging.Warn().Err(takeoverErr).Msg("Lock takeover failed, retrying")
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(path)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// tryAcquire creates the lock file with O_EXCL so only one creator wins.
func tryAcquire(path string, owner string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.PrivateFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newLockContent(owner)
	if err != nil {
		return nil, err
	}

	l := newLock(path, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

func newLockContent(owner string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		Owner:      owner,
	}, nil
}

func newLock(path string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    path,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover seizes a stale or corrupt lock by renaming fresh
// content over it, then reads back to learn whether this process won.
func attemptStaleLockTakeover(path string, owner string) (*Lock, error) {
	content, err := newLockContent(owner)
	if err != nil {
		return nil, err
	}

	if err := updateLockFileAtomic(path, content); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID == content.PID && readback.Nonce == content.Nonce {
		logging.Debug().Str("path", path).Msg("Took over stale lock")
		return newLock(path, content), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Str("path", l.path).Err(err).Msg("Failed to remove lock file")
		}
	} else {
		logging.Debug().Str("path", l.path).Msg("Lock released")
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				// Try again next tick; one missed beat is well inside
				// the stale margin.
				logging.Warn().Err(err).Msg("Heartbeat failed to update lock file")
			}
		}
	}
}

// updateLockFileAtomic writes content to a temp file in the same directory
// and renames it over path, so the lock file is never observed half written.
func updateLockFileAtomic(path string, content LockContent) error {
	dir := filepath.Dir(path)
	tmpF, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			logging.Warn().Str("path", tmpF.Name()).Err(err).Msg("Failed to remove temporary lock file")
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpF.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temp files left behind by crashed runs. Only
// files unmodified for longer than the stale timeout are touched, so a live
// holder's in-flight heartbeat write is never deleted.
func cleanupTempLockFiles(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		logging.Warn().Str("pattern", pattern).Err(err).Msg("Failed to glob for temporary lock files")
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			logging.Debug().Str("path", match).Msg("Removing old temporary lock file")
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				logging.Warn().Str("path", match).Err(err).Msg("Failed to remove leftover temporary lock file")
			}
		}
	}
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying through the transient
// empty or partial states another process's write cycle can expose.
func readLockContentSafely(path string) (LockContent, error) {
	var lastErr error
	var lastCorruptErr error

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.Open(path)
		if err != nil {
			return LockContent{}, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastCorruptErr = json.Unmarshal(data, &content)
		if lastCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
