package computer

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/computercore/internal/config"
	"github.com/dshills/computercore/internal/filesystem"
	luart "github.com/dshills/computercore/internal/lua"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/upload"
	"github.com/google/uuid"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

func newTestRegistry(t *testing.T, edit func(cfg *config.Config)) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.AbortTimeout = config.Duration(time.Second)
	cfg.HTTP.Enabled = false
	if edit != nil {
		edit(cfg)
	}
	svc, err := NewServices(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Close(ctx); err != nil {
			t.Error(err)
		}
	})
	return r
}

// newProgram registers a computer that runs src from a mount at /host.
func newProgram(t *testing.T, r *Registry, src string) *Computer {
	t.Helper()
	host := filesystem.NewMemoryMount(1 << 20)
	writeFile(t, host, "prog.lua", src)
	c, err := r.Create(context.Background(), Options{Startup: "host/prog.lua"})
	if err != nil {
		t.Fatal(err)
	}
	c.AddMount("host", "host", host)
	return c
}

func writeFile(t *testing.T, m filesystem.WritableMount, path, content string) {
	t.Helper()
	w, err := m.OpenForWrite(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, m filesystem.Mount, path string) string {
	t.Helper()
	h, err := m.OpenForRead(path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	data, err := io.ReadAll(h)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// tickUntil ticks the registry until cond holds. Ticks may start
// sessions whose goroutines outlive the test, so they do not log to it.
func tickUntil(t *testing.T, r *Registry, what string, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		r.Tick(ctx)
		time.Sleep(time.Millisecond)
	}
}

func turnOn(t *testing.T, c *Computer) {
	t.Helper()
	// Background: the computer's goroutine outlives the test's log sink.
	if err := c.TurnOn(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func screen(c *Computer) string {
	var sb strings.Builder
	for y := range c.Terminal().Height() {
		line, _ := c.Terminal().Line(y)
		sb.WriteString(strings.TrimRight(line.String(), " "))
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestComputer_RunsStartupProgram(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
print("hello")
print("from " .. os.getComputerID())
os.setComputerLabel("worker")
`)
	turnOn(t, c)
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })

	if got := c.Label(); got != "worker" {
		t.Errorf("Label() = %q; want worker", got)
	}
	if got, want := screen(c), "hello\nfrom 0\n"; !strings.HasPrefix(got, want) {
		t.Errorf("screen =\n%s\nwant prefix\n%s", got, want)
	}
	if err := c.QueueEvent("char", "a"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("QueueEvent after shutdown = %v; want ErrNotRunning", err)
	}
}

func TestComputer_EventsAndTimers(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
local timer = os.startTimer(0)
local _, id = os.pullEvent("timer")
assert(id == timer, "wrong timer")
os.queueEvent("custom", "a", 2)
local name, x, y = os.pullEvent("custom")
sleep(0.1)
os.setComputerLabel(name .. x .. y)
`)
	turnOn(t, c)
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })
	if got := c.Label(); got != "customa2" {
		t.Errorf("Label() = %q; want customa2\nscreen:\n%s", got, screen(c))
	}
}

func TestComputer_TooLongWithoutYielding(t *testing.T) {
	r := newTestRegistry(t, func(cfg *config.Config) {
		cfg.AbortTimeout = config.Duration(100 * time.Millisecond)
		cfg.ComputerThreads = 2
	})
	busy := newProgram(t, r, `while true do end`)
	good := newProgram(t, r, `sleep(0.2) os.setComputerLabel("alive")`)
	turnOn(t, busy)
	turnOn(t, good)

	tickUntil(t, r, "busy computer to fail", func() bool { return busy.State() == StateBlinking })
	if err := busy.Err(); !errors.Is(err, luart.ErrTooLongWithoutYielding) {
		t.Errorf("Err() = %v; want %v", err, luart.ErrTooLongWithoutYielding)
	}
	if got := screen(busy); !strings.Contains(got, "Too long without yielding") {
		t.Errorf("screen does not show the error:\n%s", got)
	}

	tickUntil(t, r, "other computer to finish", func() bool { return good.State() == StateOff })
	if got := good.Label(); got != "alive" {
		t.Errorf("other computer label = %q; want alive", got)
	}

	// A blinking computer can be turned off.
	if err := busy.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := busy.State(); got != StateOff {
		t.Errorf("State() after Shutdown = %v; want off", got)
	}
}

func TestComputer_LuaErrorKeepsRunning(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
local ok, err = pcall(error, "oops", 0)
os.setComputerLabel(tostring(ok) .. ":" .. err)
error("boom")
`)
	turnOn(t, c)
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })
	if got := c.Label(); got != "false:oops" {
		t.Errorf("Label() = %q; want false:oops", got)
	}
	if got := screen(c); !strings.Contains(got, "boom") {
		t.Errorf("screen does not show the program's error:\n%s", got)
	}
}

func TestComputer_ErrorWrapsByCharacter(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `error(string.rep("é", 80), 0)`)
	turnOn(t, c)
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })

	w := c.Terminal().Width()
	want := strings.Repeat("é", w) + "\n" + strings.Repeat("é", 80-w) + "\n"
	if got := screen(c); !strings.Contains(got, want) {
		t.Errorf("screen does not show the error wrapped at %d characters:\n%s", w, got)
	}
}

func TestComputer_Shutdown(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
os.setComputerLabel("waiting")
os.pullEvent("never")
`)
	turnOn(t, c)
	tickUntil(t, r, "program to start", func() bool { return c.Label() == "waiting" })
	if got := c.State(); got != StateOn {
		t.Fatalf("State() = %v; want on", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateOff {
		t.Errorf("State() = %v; want off", got)
	}
	if err := c.QueueEvent("never"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("QueueEvent = %v; want ErrNotRunning", err)
	}
	// A second shutdown is a no-op.
	if err := c.Shutdown(ctx); err != nil {
		t.Error(err)
	}
}

func TestComputer_RebootKeepsFiles(t *testing.T) {
	r := newTestRegistry(t, nil)
	agg := metrics.NewAggregator()
	r.Services().Metrics.Add(agg)

	c, err := r.Create(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	hdd, err := r.Services().Mounts.SaveDirMount("computer/0", 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, hdd, "startup.lua", `
local n = 0
if fs.exists("count") then
    local f = fs.open("count", "r")
    n = tonumber(f.readAll())
    f.close()
end
n = n + 1
local f = fs.open("count", "w")
f.write(tostring(n))
f.close()
if n < 3 then
    os.reboot()
else
    os.setComputerLabel("booted " .. n)
end
`)
	turnOn(t, c)
	tickUntil(t, r, "third boot", func() bool { return c.Label() == "booted 3" })
	if got := readFile(t, hdd, "count"); got != "3" {
		t.Errorf("count = %q; want 3", got)
	}

	var turnOns uint64
	for _, s := range agg.Snapshot().Stats {
		if s.Computer == c.ID() && s.Metric == metrics.TurnOn {
			turnOns = s.Count
		}
	}
	if turnOns != 3 {
		t.Errorf("turn on count = %d; want 3", turnOns)
	}
}

func TestDiskDrive(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
assert(peripheral.getType("left") == "drive")
if not peripheral.call("left", "isDiskPresent") then
    os.pullEvent("disk")
end
local path = peripheral.call("left", "getMountPath")
local f = fs.open(path .. "/data.txt", "w")
f.write("saved")
f.close()
peripheral.call("left", "setDiskLabel", "backup")
os.setComputerLabel(path .. ":" .. peripheral.call("left", "getDiskID"))
`)
	drive := NewDiskDrive()
	if err := c.AttachPeripheral("left", drive); err != nil {
		t.Fatal(err)
	}
	if err := c.AttachPeripheral("sideways", drive); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("AttachPeripheral(sideways) = %v; want ErrInvalidSide", err)
	}
	disk, err := r.Services().NewDisk(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	turnOn(t, c)
	if err := drive.Insert(disk); err != nil {
		t.Fatal(err)
	}
	if err := drive.Insert(disk); !errors.Is(err, ErrDriveFull) {
		t.Errorf("second Insert = %v; want ErrDriveFull", err)
	}
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })

	if got := c.Label(); got != "disk:0" {
		t.Errorf("Label() = %q; want disk:0\nscreen:\n%s", got, screen(c))
	}
	if got := readFile(t, disk.Mount, "data.txt"); got != "saved" {
		t.Errorf("data.txt = %q; want saved", got)
	}
	if got := drive.Eject(); got != disk || got.Label != "backup" {
		t.Errorf("Eject() = %+v; want the disk labelled backup", got)
	}
}

func TestComputer_FileTransfer(t *testing.T) {
	r := newTestRegistry(t, nil)
	c := newProgram(t, r, `
local _, transfer = os.pullEvent("file_transfer")
local names = {}
for _, f in ipairs(transfer.getFiles()) do
    names[#names + 1] = f.getName() .. "=" .. f.readAll()
    f.close()
end
os.setComputerLabel(table.concat(names, ","))
`)
	turnOn(t, c)

	packets, err := upload.Pack(uuid.New(), []*upload.FileUpload{
		upload.NewFileUpload("a.txt", []byte("hi")),
		upload.NewFileUpload("b.txt", []byte("there")),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range packets {
		c.ReceiveUpload(context.Background(), p)
	}
	tickUntil(t, r, "program to finish", func() bool { return c.State() == StateOff })
	if got, want := c.Label(), "a.txt=hi,b.txt=there"; got != want {
		t.Errorf("Label() = %q; want %q\nscreen:\n%s", got, want, screen(c))
	}
}

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry(t, nil)
	var cs []*Computer
	for range 3 {
		c := newProgram(t, r, `os.pullEvent("never")`)
		turnOn(t, c)
		cs = append(cs, c)
	}
	tickUntil(t, r, "computers to start", func() bool {
		for _, c := range cs {
			if c.State() != StateOn {
				return false
			}
		}
		return true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}
	for _, c := range cs {
		if got := c.State(); got != StateOff {
			t.Errorf("computer %d State() = %v; want off", c.ID(), got)
		}
	}
}

func TestWorldClock(t *testing.T) {
	var w WorldClock
	if got := w.TimeOfDay(); got != 6 {
		t.Errorf("TimeOfDay() at start = %v; want 6", got)
	}
	if got := w.Day(); got != 1 {
		t.Errorf("Day() at start = %d; want 1", got)
	}
	for range 18000 {
		w.Advance()
	}
	if got := w.TimeOfDay(); got != 0 {
		t.Errorf("TimeOfDay() at midnight = %v; want 0", got)
	}
	if got := w.Day(); got != 2 {
		t.Errorf("Day() at midnight = %d; want 2", got)
	}
}

func TestServices_ROMArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rom.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("computercore/lua/bios.lua")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, `os.setComputerLabel("zip bios")`); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t, func(cfg *config.Config) {
		cfg.ROMDir = path
	})
	t.Cleanup(func() {
		if err := r.Services().Close(); err != nil {
			t.Error(err)
		}
	})
	c, err := r.Create(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	turnOn(t, c)
	tickUntil(t, r, "bios to finish", func() bool { return c.State() == StateOff })
	if got := c.Label(); got != "zip bios" {
		t.Errorf("Label() = %q; want zip bios", got)
	}
}
