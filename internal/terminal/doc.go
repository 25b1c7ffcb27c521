// Package terminal implements the character grid shown by a computer.
//
// A Terminal holds a fixed-size grid of cells. Each cell has a byte of text
// and a foreground and background colour index into a 16 entry palette.
// The package provides:
//
//   - Cursor, colour and palette state mutated by the term API
//   - Blit for writing text with per-character colours
//   - A compact network encoding (MarshalBinary / UnmarshalBinary)
//   - A persistent JSON encoding (MarshalPersistent / UnmarshalPersistent)
//
// # Change tracking
//
// Mutations do not notify listeners directly. They set a changed flag which
// Flush consumes, so the owner can send at most one update per tick no matter
// how many operations ran in between:
//
//	term.SetOnChange(func() { sendUpdate(term) })
//	// ... any number of writes ...
//	term.Flush() // listener runs once
package terminal
