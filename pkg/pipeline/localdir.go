package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// LocalDirBackend stores snapshots as send stream files in a directory
// tree, one subdirectory per dataset, with a JSON receipt next to each
// stream. The directory does not need to be btrfs; restoring is a matter
// of feeding the stream chain back to `btrfs receive`.
type LocalDirBackend struct {
	buffers *bufferPool
}

// NewLocalDirBackend creates the local directory backend.
func NewLocalDirBackend() *LocalDirBackend {
	return &LocalDirBackend{buffers: newBufferPool()}
}

var _ Backend = (*LocalDirBackend)(nil)

// streamReceipt is the sidecar written next to every stored stream. The
// parent label records the increment chain for restore tooling.
type streamReceipt struct {
	Label       string                `json:"label"`
	Sequence    uint64                `json:"sequence"`
	ParentLabel string                `json:"parentLabel,omitempty"`
	File        string                `json:"file"`
	Compression model.CompressionKind `json:"compression"`
	SHA256      string                `json:"sha256"`
	Bytes       uint64                `json:"bytes"`
	CreatedAt   time.Time             `json:"createdAt"`
}

// Push writes the snapshot's send stream to the target directory and
// records a receipt sidecar. A crashed push leaves only a .partial file
// that the next attempt truncates.
func (b *LocalDirBackend) Push(ctx context.Context, transfer *Transfer) (*Receipt, error) {
	target := transfer.Target
	snap := transfer.Snapshot
	compression := target.LocalDir.Compression
	if compression == "" {
		compression = model.CompressionNone
	}

	dir := filepath.Join(target.LocalDir.Path, snap.DatasetID.String())
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, b.pushErr(target, err)
	}

	fileName := snap.Label + streamSuffix(compression)
	finalPath := filepath.Join(dir, fileName)
	partialPath := finalPath + ".partial"

	digest, written, err := b.writeStream(ctx, transfer, partialPath, compression)
	if err != nil {
		os.Remove(partialPath)
		return nil, b.pushErr(target, err)
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		os.Remove(partialPath)
		return nil, b.pushErr(target, err)
	}

	receipt := streamReceipt{
		Label:       snap.Label,
		Sequence:    snap.Sequence,
		File:        fileName,
		Compression: compression,
		SHA256:      digest,
		Bytes:       written,
		CreatedAt:   time.Now().UTC(),
	}
	if transfer.Parent != nil {
		receipt.ParentLabel = transfer.Parent.Label
	}
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, b.pushErr(target, err)
	}
	if err := util.AtomicWriteFile(b.receiptPath(transfer), data, util.UserWritableFilePerms); err != nil {
		return nil, b.pushErr(target, err)
	}

	return &Receipt{Token: finalPath, SHA256: digest, Bytes: written}, nil
}

// writeStream drains the send stream into path, hashing and counting the
// stored bytes.
func (b *LocalDirBackend) writeStream(ctx context.Context, transfer *Transfer, path string, compression model.CompressionKind) (string, uint64, error) {
	stream, err := transfer.OpenStream(ctx)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(file, hasher)}

	var dst io.Writer = counter
	var closeCompressor func() error
	switch compression {
	case model.CompressionZstd:
		enc, err := zstd.NewWriter(counter)
		if err != nil {
			return "", 0, err
		}
		dst, closeCompressor = enc, enc.Close
	case model.CompressionGzip:
		gz := pgzip.NewWriter(counter)
		dst, closeCompressor = gz, gz.Close
	}

	if _, err := b.buffers.copy(dst, stream); err != nil {
		return "", 0, err
	}
	if closeCompressor != nil {
		if err := closeCompressor(); err != nil {
			return "", 0, err
		}
	}
	// The stream's close status is the send process exit code; only a
	// clean exit proves the stream was complete.
	if err := stream.Close(); err != nil {
		return "", 0, err
	}
	if err := file.Sync(); err != nil {
		return "", 0, err
	}
	if err := file.Close(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

// Verify re-reads the stored stream and checks it against the receipt
// sidecar. A nil receipt verifies against the sidecar alone, which is how
// a push that crashed before the cursor moved is recognized.
func (b *LocalDirBackend) Verify(ctx context.Context, transfer *Transfer, receipt *Receipt) (*Receipt, error) {
	stored, err := b.loadReceipt(transfer)
	if err != nil {
		return nil, b.verifyErr(transfer.Target, err)
	}
	if stored.Sequence != transfer.Snapshot.Sequence {
		return nil, b.verifyErr(transfer.Target, fmt.Errorf("receipt is for sequence %d, want %d", stored.Sequence, transfer.Snapshot.Sequence))
	}

	path := filepath.Join(transfer.Target.LocalDir.Path, transfer.Snapshot.DatasetID.String(), stored.File)
	digest, size, err := b.hashFile(path)
	if err != nil {
		return nil, b.verifyErr(transfer.Target, err)
	}
	if digest != stored.SHA256 {
		return nil, b.verifyErr(transfer.Target, fmt.Errorf("stored stream digest mismatch"))
	}
	if size != stored.Bytes {
		return nil, b.verifyErr(transfer.Target, fmt.Errorf("stored stream is %d bytes, receipt says %d", size, stored.Bytes))
	}
	if receipt != nil && receipt.SHA256 != "" && receipt.SHA256 != digest {
		return nil, b.verifyErr(transfer.Target, fmt.Errorf("push digest mismatch"))
	}
	return &Receipt{Token: path, SHA256: digest, Bytes: size}, nil
}

func (b *LocalDirBackend) hashFile(path string) (string, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := b.buffers.copy(hasher, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), uint64(n), nil
}

func (b *LocalDirBackend) loadReceipt(transfer *Transfer) (*streamReceipt, error) {
	data, err := os.ReadFile(b.receiptPath(transfer))
	if err != nil {
		return nil, err
	}
	var receipt streamReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}
	return &receipt, nil
}

func (b *LocalDirBackend) receiptPath(transfer *Transfer) string {
	return filepath.Join(transfer.Target.LocalDir.Path, transfer.Snapshot.DatasetID.String(), transfer.Snapshot.Label+".receipt.json")
}

func (b *LocalDirBackend) pushErr(target *model.Target, err error) error {
	return &TransferError{Stage: "push", TargetID: target.ID, Err: err}
}

func (b *LocalDirBackend) verifyErr(target *model.Target, err error) error {
	return &TransferError{Stage: "verify", TargetID: target.ID, Err: err}
}

func streamSuffix(compression model.CompressionKind) string {
	switch compression {
	case model.CompressionZstd:
		return ".sendstream.zst"
	case model.CompressionGzip:
		return ".sendstream.gz"
	default:
		return ".sendstream"
	}
}

// countingWriter counts bytes on their way to the underlying writer.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
