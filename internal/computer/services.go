package computer

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apihttp "github.com/dshills/computercore/internal/apis/http"
	"github.com/dshills/computercore/internal/config"
	"github.com/dshills/computercore/internal/filesystem"
	"github.com/dshills/computercore/internal/mainthread"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/store"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

//go:embed assets
var assets embed.FS

// Resource locations of the BIOS and the ROM within the asset tree.
const (
	resourceDomain = "computercore"
	biosDir        = "lua"
	biosFile       = "bios.lua"
	romDir         = "lua/rom"
)

// Services are the process-wide dependencies of computers. They are built
// once when the host starts and shared by every computer.
type Services struct {
	MainThread *mainthread.Scheduler
	Metrics    *metrics.Global
	Mounts     *filesystem.Provider
	// Threads bounds how many computers run Lua at once.
	Threads *semaphore.Weighted
	Clock   *WorldClock

	// Shared by every computer's HTTP client so connections are pooled.
	Transport *nethttp.Transport
	Dialer    *websocket.Dialer

	// Now is the wall clock. Tests replace it.
	Now func() time.Time

	// store is nil when state is kept in memory.
	store *store.Store
	// archive is the open ROM archive, if the ROM is packaged.
	archive io.Closer

	mu     sync.Mutex
	config *config.Config
	rules  apihttp.Rules
	ids    map[string]int
	labels map[int]string
}

// NewServices builds the services described by cfg. st persists IDs and
// labels; when nil they live only as long as the process.
func NewServices(cfg *config.Config, st *store.Store) (*Services, error) {
	rules, err := cfg.HTTP.HostRules()
	if err != nil {
		return nil, err
	}
	var resources fs.FS
	var archive io.Closer
	switch ext := strings.ToLower(filepath.Ext(cfg.ROMDir)); {
	case cfg.ROMDir == "":
		resources, err = fs.Sub(assets, "assets")
		if err != nil {
			return nil, err
		}
	case ext == ".zip" || ext == ".jar":
		m, err := filesystem.OpenArchive(cfg.ROMDir, "")
		if err != nil {
			return nil, fmt.Errorf("open rom: %w", err)
		}
		resources, archive = m.FS(), m
	default:
		resources = os.DirFS(cfg.ROMDir)
	}
	return &Services{
		MainThread: mainthread.New(cfg.MaxMainGlobalTime.Std(), cfg.MaxMainComputerTime.Std()),
		Metrics:    metrics.NewGlobal(),
		Mounts:     filesystem.NewProvider(cfg.SaveDir, resources),
		Threads:    semaphore.NewWeighted(int64(cfg.ComputerThreads)),
		Clock:      new(WorldClock),
		Transport:  apihttp.NewTransport(rules),
		Dialer:     apihttp.NewDialer(rules),
		Now:        time.Now,
		store:      st,
		archive:    archive,
		config:     cfg.Clone(),
		rules:      rules,
		ids:        make(map[string]int),
		labels:     make(map[int]string),
	}, nil
}

// Close releases the ROM archive, if one is open. Computers must be shut
// down first.
func (svc *Services) Close() error {
	if svc.archive == nil {
		return nil
	}
	return svc.archive.Close()
}

// Config returns the current settings. The result must not be modified.
func (svc *Services) Config() *config.Config {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.config
}

// Rules returns the current HTTP host rules.
func (svc *Services) Rules() apihttp.Rules {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.rules
}

// Apply switches to new settings. Time budgets and HTTP limits change
// immediately; terminal size, disk capacity and the thread count apply to
// computers started afterwards.
func (svc *Services) Apply(cfg *config.Config) error {
	rules, err := cfg.HTTP.HostRules()
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.config = cfg.Clone()
	svc.rules = rules
	svc.mu.Unlock()
	svc.MainThread.SetLimits(cfg.MaxMainGlobalTime.Std(), cfg.MaxMainComputerTime.Std())
	return nil
}

// NextID allocates an ID of the given kind (store.KindComputer or
// store.KindDisk).
func (svc *Services) NextID(ctx context.Context, kind string) (int, error) {
	if svc.store != nil {
		return svc.store.NextID(ctx, kind)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	id := svc.ids[kind]
	svc.ids[kind] = id + 1
	return id, nil
}

func (svc *Services) label(ctx context.Context, id int) (string, error) {
	if svc.store != nil {
		return svc.store.Label(ctx, id)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.labels[id], nil
}

func (svc *Services) setLabel(ctx context.Context, id int, label string) error {
	if svc.store != nil {
		return svc.store.SetLabel(ctx, id, label)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if label == "" {
		delete(svc.labels, id)
	} else {
		svc.labels[id] = label
	}
	return nil
}

// NewDisk allocates a floppy disk with its own storage.
func (svc *Services) NewDisk(ctx context.Context) (*Disk, error) {
	id, err := svc.NextID(ctx, store.KindDisk)
	if err != nil {
		return nil, err
	}
	return svc.OpenDisk(id)
}

// OpenDisk returns the floppy disk with an existing ID.
func (svc *Services) OpenDisk(id int) (*Disk, error) {
	m, err := svc.Mounts.SaveDirMount(fmt.Sprintf("disk/%d", id), svc.Config().FloppySpaceLimit)
	if err != nil {
		return nil, fmt.Errorf("open disk %d: %w", id, err)
	}
	return &Disk{ID: id, Mount: m}, nil
}

// readBIOS returns the source of the BIOS program.
func (svc *Services) readBIOS() ([]byte, error) {
	m, err := svc.Mounts.ResourceMount(resourceDomain, biosDir)
	if err != nil {
		return nil, fmt.Errorf("read bios: %w", err)
	}
	h, err := m.OpenForRead(biosFile)
	if err != nil {
		return nil, fmt.Errorf("read bios: %w", err)
	}
	defer h.Close()
	src, err := io.ReadAll(h)
	if err != nil {
		return nil, fmt.Errorf("read bios: %w", err)
	}
	return src, nil
}
