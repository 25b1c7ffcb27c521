package upload

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validate checks files against the transfer limits.
func Validate(files []*FileUpload) error {
	if len(files) > MaxFiles {
		return fmt.Errorf("%w: %d files (at most %d)", ErrTooManyFiles, len(files), MaxFiles)
	}
	total := 0
	for _, f := range files {
		if utf8.RuneCountInString(f.Name) > MaxFileName {
			return fmt.Errorf("%w: %q (at most %d characters)", ErrNameTooLong, f.Name, MaxFileName)
		}
		total += f.Length()
	}
	if total > MaxSize {
		return fmt.Errorf("%w: %d bytes (at most %d)", ErrTooLarge, total, MaxSize)
	}
	return nil
}

// Pack splits files into the packets of one transfer.
//
// Each packet's slices, headers included, are packed greedily into a budget
// of MaxPacketSize bytes; the first packet's budget is reduced by the size of
// its manifest. A packet is only closed when its remaining budget cannot hold
// a slice header and at least one byte, so every packet but the last is
// filled to within a slice header of the limit. Empty files produce no slices.
func Pack(transfer uuid.UUID, files []*FileUpload) ([]*Packet, error) {
	if err := Validate(files); err != nil {
		return nil, err
	}

	manifest := append([]*FileUpload(nil), files...)
	current := &Packet{Transfer: transfer, Flags: FlagFirst, Files: manifest}
	budget := MaxPacketSize - manifestSize(manifest)
	var packets []*Packet

	for id, f := range files {
		for offset := 0; offset < f.Length(); {
			if budget <= sliceHeaderSize {
				packets = append(packets, current)
				current = &Packet{Transfer: transfer}
				budget = MaxPacketSize
			}
			n := min(budget-sliceHeaderSize, f.Length()-offset)
			current.Slices = append(current.Slices, FileSlice{
				FileID: id,
				Offset: offset,
				Data:   f.data[offset : offset+n],
			})
			budget -= sliceHeaderSize + n
			offset += n
		}
	}

	current.Flags |= FlagLast
	return append(packets, current), nil
}
