// Package upload transfers batches of files to a computer in bounded-size
// packets and reassembles them on the receiving side.
//
// The first packet of a transfer carries a manifest naming every file with
// its length and SHA-256 checksum. Every packet carries slices: runs of bytes
// to be written at an offset of one of the files. Pack fills each packet as
// close to MaxPacketSize as slice headers allow; Receiver applies slices as
// packets arrive and verifies checksums once the last packet is in.
package upload

import (
	"context"
	"crypto/sha256"
	"errors"

	"zombiezen.com/go/log"
)

// Transfer limits.
const (
	// MaxSize is the largest total size of all files in one transfer.
	MaxSize = 512 * 1024
	// MaxPacketSize is the slice budget of a single packet, in bytes.
	MaxPacketSize = 30 * 1024
	// MaxFiles is the most files one transfer may carry.
	MaxFiles = 32
	// MaxFileName is the longest file name, in characters.
	MaxFileName = 128
	// ChecksumLength is the size of a file checksum.
	ChecksumLength = sha256.Size
)

var (
	ErrTooLarge     = errors.New("files too large")
	ErrTooManyFiles = errors.New("too many files")
	ErrNameTooLong  = errors.New("file name too long")
	ErrMalformed    = errors.New("malformed upload packet")
)

// FileUpload is one file of a transfer.
type FileUpload struct {
	Name     string
	Checksum [ChecksumLength]byte
	data     []byte
}

// NewFileUpload returns a file holding data, checksummed.
func NewFileUpload(name string, data []byte) *FileUpload {
	return &FileUpload{Name: name, Checksum: sha256.Sum256(data), data: data}
}

// NewEmpty returns a zero-filled file of the given length awaiting slices.
func NewEmpty(name string, length int, checksum [ChecksumLength]byte) *FileUpload {
	return &FileUpload{Name: name, Checksum: checksum, data: make([]byte, length)}
}

// Length returns the size of the file in bytes.
func (f *FileUpload) Length() int { return len(f.data) }

// Bytes returns the file's content. The slice aliases the upload's buffer.
func (f *FileUpload) Bytes() []byte { return f.data }

// ChecksumMatches reports whether the content hashes to Checksum.
func (f *FileUpload) ChecksumMatches() bool {
	return sha256.Sum256(f.data) == f.Checksum
}

// FileSlice is a run of bytes destined for one file of a transfer.
type FileSlice struct {
	FileID int
	Offset int
	Data   []byte
}

// Apply copies the slice into its file. A slice that names a missing file
// or extends past the end of its file is logged and dropped, leaving every
// file unmodified. Apply reports whether the slice was written.
func (s FileSlice) Apply(ctx context.Context, files []*FileUpload) bool {
	if s.FileID < 0 || s.FileID >= len(files) {
		log.Warnf(ctx, "Dropping upload slice for file %d: only %d files in transfer", s.FileID, len(files))
		return false
	}
	f := files[s.FileID]
	if s.Offset < 0 || s.Offset > f.Length() || len(s.Data) > f.Length()-s.Offset {
		log.Warnf(ctx, "Dropping upload slice for %q: %d bytes at offset %d exceeds length %d",
			f.Name, len(s.Data), s.Offset, f.Length())
		return false
	}
	copy(f.data[s.Offset:], s.Data)
	return true
}
