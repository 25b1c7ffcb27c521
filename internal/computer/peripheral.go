package computer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dshills/computercore/internal/apis"
	"github.com/dshills/computercore/internal/filesystem"
)

// Attacher is implemented by peripherals that need to know which running
// computers they are attached to. Attach is called when the computer starts
// or the peripheral is attached to a running computer; Detach when either
// goes away.
type Attacher interface {
	Attach(c *Computer, side string)
	Detach(c *Computer, side string)
}

// Peripheral returns the peripheral on side, or nil.
func (c *Computer) Peripheral(side string) apis.Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peripherals[side]
}

// AttachPeripheral connects p on side, replacing whatever was there.
// A running computer receives a peripheral event.
func (c *Computer) AttachPeripheral(side string, p apis.Peripheral) error {
	if !slices.Contains(apis.Sides, side) {
		return fmt.Errorf("attach %s: %w", side, ErrInvalidSide)
	}
	c.mu.Lock()
	old := c.peripherals[side]
	c.peripherals[side] = p
	running := c.run != nil
	c.mu.Unlock()

	if !running {
		return nil
	}
	if old != nil {
		c.detach(map[string]apis.Peripheral{side: old})
		c.queueEventQuietly("peripheral_detach", side)
	}
	c.attach(map[string]apis.Peripheral{side: p})
	c.queueEventQuietly("peripheral", side)
	return nil
}

// DetachPeripheral disconnects the peripheral on side, if any.
func (c *Computer) DetachPeripheral(side string) {
	c.mu.Lock()
	p := c.peripherals[side]
	delete(c.peripherals, side)
	running := c.run != nil
	c.mu.Unlock()

	if p == nil || !running {
		return
	}
	c.detach(map[string]apis.Peripheral{side: p})
	c.queueEventQuietly("peripheral_detach", side)
}

// attachedPeripherals copies the peripheral map. c.mu must be held.
func (c *Computer) attachedPeripherals() map[string]apis.Peripheral {
	return maps.Clone(c.peripherals)
}

func (c *Computer) attach(ps map[string]apis.Peripheral) {
	for side, p := range ps {
		if a, ok := p.(Attacher); ok {
			a.Attach(c, side)
		}
	}
}

func (c *Computer) detach(ps map[string]apis.Peripheral) {
	for side, p := range ps {
		if a, ok := p.(Attacher); ok {
			a.Detach(c, side)
		}
	}
}

func (c *Computer) queueEventQuietly(name string, args ...any) {
	_ = c.QueueEvent(name, args...)
}

// mountDisk mounts m at the first free location of disk, disk2, disk3...
// It returns "" if the computer is not running.
func (c *Computer) mountDisk(m filesystem.WritableMount) string {
	c.mu.Lock()
	s := c.run
	c.mu.Unlock()
	if s == nil {
		return ""
	}
	for i := 1; i <= 100; i++ {
		loc := "disk"
		if i > 1 {
			loc = fmt.Sprintf("disk%d", i)
		}
		if ok, _ := s.fs.Exists(loc); ok {
			continue
		}
		if err := s.fs.MountWritable(loc, "disk", m); err == nil {
			return loc
		}
	}
	return ""
}

func (c *Computer) unmount(location string) {
	c.mu.Lock()
	s := c.run
	c.mu.Unlock()
	if s != nil {
		s.fs.Unmount(location)
	}
}

// Disk is a floppy disk.
type Disk struct {
	ID    int
	Label string
	Mount filesystem.WritableMount
}

var (
	// ErrDriveFull is returned when inserting into a drive that has a disk.
	ErrDriveFull = errors.New("drive already contains a disk")
)

// DiskDrive is a peripheral that holds one floppy disk. While it has a
// disk, every running computer it is attached to sees the disk's files
// at /disk (or /disk2 and so on if that is taken).
type DiskDrive struct {
	methods *apis.Table

	mu       sync.Mutex
	disk     *Disk
	attached map[*Computer]*driveMount
}

type driveMount struct {
	side string
	path string
}

// NewDiskDrive returns an empty drive.
func NewDiskDrive() *DiskDrive {
	d := &DiskDrive{attached: make(map[*Computer]*driveMount)}
	d.methods = d.buildMethods()
	return d
}

// Type implements apis.Peripheral.
func (d *DiskDrive) Type() string { return "drive" }

// Methods implements apis.Peripheral.
func (d *DiskDrive) Methods() *apis.Table { return d.methods }

// Attach implements Attacher.
func (d *DiskDrive) Attach(c *Computer, side string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &driveMount{side: side}
	if d.disk != nil {
		m.path = c.mountDisk(d.disk.Mount)
	}
	d.attached[c] = m
}

// Detach implements Attacher.
func (d *DiskDrive) Detach(c *Computer, side string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.attached[c]
	if m == nil || m.side != side {
		return
	}
	delete(d.attached, c)
	if m.path != "" {
		c.unmount(m.path)
	}
}

// Insert puts disk in the drive and mounts it on attached computers,
// which receive a disk event.
func (d *DiskDrive) Insert(disk *Disk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disk != nil {
		return ErrDriveFull
	}
	d.disk = disk
	for c, m := range d.attached {
		m.path = c.mountDisk(disk.Mount)
		c.queueEventQuietly("disk", m.side)
	}
	return nil
}

// Eject removes the disk, if any, unmounting it first. Attached computers
// receive a disk_eject event.
func (d *DiskDrive) Eject() *Disk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ejectLocked()
}

func (d *DiskDrive) ejectLocked() *Disk {
	disk := d.disk
	if disk == nil {
		return nil
	}
	d.disk = nil
	for c, m := range d.attached {
		if m.path != "" {
			c.unmount(m.path)
			m.path = ""
		}
		c.queueEventQuietly("disk_eject", m.side)
	}
	return disk
}

// Disk returns the disk in the drive, or nil.
func (d *DiskDrive) Disk() *Disk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disk
}

func (d *DiskDrive) mountFor(id int) *driveMount {
	for c, m := range d.attached {
		if c.id == id {
			return m
		}
	}
	return nil
}

// buildMethods registers the drive's methods. They run on the main thread,
// where disk items live in a real host.
func (d *DiskDrive) buildMethods() *apis.Table {
	t := apis.NewTable("drive")
	t.AddMainThread("isDiskPresent", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return apis.Results{d.disk != nil}, nil
	})
	t.AddMainThread("hasData", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return apis.Results{d.disk != nil && d.disk.Mount != nil}, nil
	})
	t.AddMainThread("getMountPath", func(ctx *apis.Context, _ apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if ctx.Env == nil || d.disk == nil {
			return apis.Results{nil}, nil
		}
		if m := d.mountFor(ctx.Env.ComputerID); m != nil && m.path != "" {
			return apis.Results{m.path}, nil
		}
		return apis.Results{nil}, nil
	})
	t.AddMainThread("getDiskLabel", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.disk == nil || d.disk.Label == "" {
			return apis.Results{nil}, nil
		}
		return apis.Results{d.disk.Label}, nil
	})
	t.AddMainThread("setDiskLabel", func(_ *apis.Context, args apis.Arguments) (apis.Results, error) {
		label, err := args.OptString(0, "")
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.disk == nil {
			return nil, errors.New("No disk in drive")
		}
		d.disk.Label = label
		return nil, nil
	})
	t.AddMainThread("getDiskID", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.disk == nil {
			return apis.Results{nil}, nil
		}
		return apis.Results{d.disk.ID}, nil
	})
	t.AddMainThread("ejectDisk", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.ejectLocked()
		return nil, nil
	})
	return t
}
