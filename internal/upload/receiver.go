package upload

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

// State is the progress of the transfer a Receiver is assembling.
type State int

const (
	AwaitingFirst State = iota
	Accumulating
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingFirst:
		return "awaiting first packet"
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Receiver reassembles one transfer at a time from its packets.
// Packets of a transfer must arrive in order; slices within a packet may
// target any file.
//
// Receiver is safe for concurrent use.
type Receiver struct {
	onComplete func(ctx context.Context, transfer uuid.UUID, files []*FileUpload)

	mu       sync.Mutex
	state    State
	transfer uuid.UUID
	files    []*FileUpload
}

// NewReceiver returns a receiver that passes every completed transfer to
// onComplete. onComplete may be nil.
func NewReceiver(onComplete func(ctx context.Context, transfer uuid.UUID, files []*FileUpload)) *Receiver {
	return &Receiver{onComplete: onComplete}
}

// State returns the receiver's progress.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Receive applies a packet. When the packet completes a transfer, Receive
// returns its files, which are also handed to the completion callback.
//
// A first packet always starts a new transfer, abandoning any transfer in
// progress. Packets for any other transfer are dropped. Checksum mismatches
// are logged but do not prevent completion.
func (r *Receiver) Receive(ctx context.Context, p *Packet) []*FileUpload {
	r.mu.Lock()

	if p.First() {
		if r.state == Accumulating {
			log.Warnf(ctx, "Upload %v abandoned: transfer %v started", r.transfer, p.Transfer)
		}
		r.transfer = p.Transfer
		r.files = make([]*FileUpload, len(p.Files))
		for i, f := range p.Files {
			r.files[i] = NewEmpty(f.Name, f.Length(), f.Checksum)
		}
		r.state = Accumulating
	} else if r.state != Accumulating || p.Transfer != r.transfer {
		log.Warnf(ctx, "Dropping upload packet for unknown transfer %v", p.Transfer)
		r.mu.Unlock()
		return nil
	}

	for _, s := range p.Slices {
		s.Apply(ctx, r.files)
	}
	if !p.Last() {
		r.mu.Unlock()
		return nil
	}

	files := r.files
	transfer := r.transfer
	r.files = nil
	r.state = Complete
	r.mu.Unlock()

	for _, f := range files {
		if !f.ChecksumMatches() {
			log.Warnf(ctx, "Upload %v: checksum mismatch for %q", transfer, f.Name)
		}
	}
	log.Debugf(ctx, "Upload %v complete: %d files", transfer, len(files))
	if r.onComplete != nil {
		r.onComplete(ctx, transfer, files)
	}
	return files
}
