package computer

import (
	"bytes"
	"context"

	"github.com/dshills/computercore/internal/apis"
	"github.com/dshills/computercore/internal/upload"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"zombiezen.com/go/log"
)

// ReceiveUpload applies one packet of a file transfer. When the transfer is
// complete, the running program receives a file_transfer event.
func (c *Computer) ReceiveUpload(ctx context.Context, p *upload.Packet) {
	c.receiver.Receive(ctx, p)
}

func (c *Computer) uploaded(ctx context.Context, transfer uuid.UUID, files []*upload.FileUpload) {
	total := 0
	for _, f := range files {
		total += f.Length()
	}
	if limit := c.svc.Config().Upload.MaxSize; total > limit {
		log.Warnf(ctx, "Computer %d: transfer %v is %d bytes, over the %d byte limit", c.id, transfer, total, limit)
		return
	}
	if err := c.QueueEvent("file_transfer", transferredFiles(files)); err != nil {
		log.Warnf(ctx, "Computer %d: transfer %v: %v", c.id, transfer, err)
	}
}

// transferredFiles is the argument of a file_transfer event: a table with
// getFiles, which returns a read handle per file.
type transferredFiles []*upload.FileUpload

func (files transferredFiles) LuaValue(L *lua.LState) lua.LValue {
	handles := L.CreateTable(len(files), 0)
	for i, f := range files {
		t := apis.ReadHandleMethods(uploadedFile{bytes.NewReader(f.Bytes())}, true)
		name := f.Name
		t.Add("getName", func(*apis.Context, apis.Arguments) (apis.Results, error) {
			return apis.Results{name}, nil
		})
		handles.RawSetInt(i+1, apis.Build(L, t, nil))
	}
	api := apis.NewTable("transferred_files")
	api.Add("getFiles", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		return apis.Results{handles}, nil
	})
	return apis.Build(L, api, nil)
}

type uploadedFile struct {
	*bytes.Reader
}

func (uploadedFile) Close() error { return nil }
