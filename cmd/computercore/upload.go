package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dshills/computercore/internal/upload"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	computer int
	files    []string
}

func newUploadCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "upload [options] FILE [...]",
		Short:                 "pack files into a transfer",
		Long:                  "Pack files into transfer packets, check that they reassemble and report the packets.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(uploadOptions)
	c.Flags().IntVar(&opts.computer, "computer", 0, "`id` of the receiving computer")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.debug, "")
		opts.files = args
		return runUpload(cmd.Context(), cmd.OutOrStdout(), opts)
	}
	return c
}

func runUpload(ctx context.Context, out io.Writer, opts *uploadOptions) error {
	files := make([]*upload.FileUpload, 0, len(opts.files))
	for _, path := range opts.files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, upload.NewFileUpload(filepath.Base(path), data))
	}
	transfer := uuid.New()
	packets, err := upload.Pack(transfer, files)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Transfer %v to computer %d\n", transfer, opts.computer)
	r := upload.NewReceiver(nil)
	var got []*upload.FileUpload
	total := 0
	for i, p := range packets {
		enc := p.Encode()
		total += len(enc)
		fmt.Fprintf(out, "  packet %d: %s, %d slices\n", i+1, humanize.IBytes(uint64(len(enc))), len(p.Slices))
		decoded, err := upload.DecodePacket(enc)
		if err != nil {
			return fmt.Errorf("packet %d: %w", i+1, err)
		}
		got = r.Receive(ctx, decoded)
	}
	if got == nil {
		return errors.New("transfer did not complete")
	}
	for _, f := range got {
		status := "ok"
		if !f.ChecksumMatches() {
			status = "checksum mismatch"
		}
		fmt.Fprintf(out, "  %s: %s, %s\n", f.Name, humanize.IBytes(uint64(f.Length())), status)
	}
	fmt.Fprintf(out, "%d files in %d packets, %s on the wire\n", len(got), len(packets), humanize.IBytes(uint64(total)))
	return nil
}
