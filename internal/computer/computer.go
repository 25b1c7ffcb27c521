// Package computer runs emulated computers.
//
// A [Computer] owns a terminal, a virtual filesystem and a Lua machine that
// runs the BIOS. Its program runs on the computer's own goroutine and reacts
// to events; anything that touches host state goes through the main-thread
// scheduler, which the host drives by calling [Registry.Tick] once per tick.
package computer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/computercore/internal/apis"
	apihttp "github.com/dshills/computercore/internal/apis/http"
	"github.com/dshills/computercore/internal/filesystem"
	luart "github.com/dshills/computercore/internal/lua"
	"github.com/dshills/computercore/internal/mainthread"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/resource"
	"github.com/dshills/computercore/internal/terminal"
	"github.com/dshills/computercore/internal/upload"
	lua "github.com/yuin/gopher-lua"
	"zombiezen.com/go/log"
)

var (
	// ErrNotRunning is returned when queueing events to a computer that is off.
	ErrNotRunning = errors.New("computer is not running")
	// ErrEventQueueFull is returned when a computer has too many events queued.
	ErrEventQueueFull = errors.New("event queue full")
	// ErrInvalidSide is returned for a peripheral side that does not exist.
	ErrInvalidSide = errors.New("invalid side")

	errShutdown = errors.New("computer shut down")
)

type action int

const (
	actionNone action = iota
	actionShutdown
	actionReboot
)

// Options configure a computer.
type Options struct {
	// Startup is a path in the computer's filesystem run instead of
	// startup.lua. The computer shuts down when it returns.
	Startup string
}

type extraMount struct {
	location, label string
	mount           filesystem.Mount
}

// Computer is one emulated computer. Its methods are safe for concurrent use.
type Computer struct {
	svc  *Services
	id   int
	opts Options
	term *terminal.Terminal
	obs  metrics.Observer

	// Shared by every power cycle, reopened at each start.
	requests   *resource.Group
	websockets *resource.Group
	bandwidth  *resource.Bandwidth
	receiver   *upload.Receiver

	mu          sync.Mutex
	state       State
	label       string
	err         error
	run         *session
	peripherals map[string]apis.Peripheral
	mounts      []extraMount
	pending     action
	onTicks     int64
	timers      map[int]time.Time
	alarms      map[int]float64
	nextTimer   int
}

// New returns a computer that is turned off. Its label is loaded from the
// state store.
func New(ctx context.Context, svc *Services, id int, opts Options) (*Computer, error) {
	label, err := svc.label(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("computer %d: %w", id, err)
	}
	cfg := svc.Config()
	c := &Computer{
		svc:         svc,
		id:          id,
		opts:        opts,
		term:        terminal.New(cfg.Terminal.Width, cfg.Terminal.Height, cfg.Terminal.Colour),
		obs:         svc.Metrics.ForComputer(id),
		requests:    resource.NewGroup("http requests", cfg.HTTP.MaxRequests),
		websockets:  resource.NewGroup("websockets", cfg.HTTP.MaxWebsockets),
		bandwidth:   resource.NewBandwidth(cfg.HTTP.DownloadBandwidth, cfg.HTTP.UploadBandwidth),
		label:       label,
		peripherals: make(map[string]apis.Peripheral),
		timers:      make(map[int]time.Time),
		alarms:      make(map[int]float64),
	}
	c.receiver = upload.NewReceiver(c.uploaded)
	return c, nil
}

// ID returns the computer's ID.
func (c *Computer) ID() int { return c.id }

// Terminal returns the computer's terminal.
func (c *Computer) Terminal() *terminal.Terminal { return c.term }

// State returns the computer's power state.
func (c *Computer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that stopped the computer, if it is blinking.
func (c *Computer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Label returns the computer's label, or "" if it has none.
func (c *Computer) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// SetLabel changes the computer's label and saves it.
func (c *Computer) SetLabel(label string) error {
	c.mu.Lock()
	c.label = label
	c.mu.Unlock()
	return c.svc.setLabel(context.Background(), c.id, label)
}

// AddMount makes m appear at location every time the computer starts.
// It takes effect at the next start.
func (c *Computer) AddMount(location, label string, m filesystem.Mount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts = append(c.mounts, extraMount{location, label, m})
}

// session is the state of one power cycle.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	machine *luart.Machine
	exec    *luart.Executor
	main    *mainthread.Executor
	fs      *filesystem.FileSystem
	http    *apihttp.Client
	done    chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
}

// stop releases everything the session holds without waiting for its
// goroutine, which closes the machine once the running call returns.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.machine.Abort(errShutdown)
		s.cancel()
		s.exec.Close()
		s.main.Close()
		if s.http != nil {
			if err := s.http.Close(); err != nil {
				log.Debugf(s.ctx, "Closing HTTP resources: %v", err)
			}
		}
		if err := s.fs.Close(); err != nil {
			log.Debugf(s.ctx, "Closing files: %v", err)
		}
	})
}

// TurnOn starts the computer. It does nothing if the computer is already
// running. The BIOS runs asynchronously; a failure to load it leaves the
// computer blinking.
func (c *Computer) TurnOn(ctx context.Context) error {
	c.mu.Lock()
	if c.state.IsRunning() {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.err = nil
	c.pending = actionNone
	c.onTicks = 0
	clear(c.timers)
	clear(c.alarms)
	mounts := slices.Clone(c.mounts)
	c.mu.Unlock()

	c.term.Reset()
	s, bios, err := c.newSession(ctx, mounts)
	if err != nil {
		c.mu.Lock()
		c.state = StateBlinking
		c.err = err
		c.mu.Unlock()
		c.showError(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateStarting {
		// Shut down while starting.
		c.mu.Unlock()
		s.stop()
		s.machine.Close()
		close(s.done)
		return nil
	}
	c.run = s
	attached := c.attachedPeripherals()
	c.mu.Unlock()

	go func() {
		defer close(s.done)
		s.exec.Run(s.ctx)
		s.machine.Close()
	}()
	c.obs.ObserveCounter(metrics.TurnOn)
	log.Debugf(ctx, "Computer %d turning on", c.id)
	// The executor is empty, so booting is the first call it makes.
	if err := s.exec.ExecuteAsync(func(context.Context) error {
		c.boot(s, bios)
		return nil
	}); err != nil {
		return err
	}
	c.attach(attached)
	return nil
}

func (c *Computer) newSession(ctx context.Context, mounts []extraMount) (_ *session, bios []byte, err error) {
	cfg := c.svc.Config()
	bios, err = c.svc.readBIOS()
	if err != nil {
		return nil, nil, err
	}

	fsys := filesystem.New(cfg.MaximumOpenFiles)
	hdd, err := c.svc.Mounts.SaveDirMount(fmt.Sprintf("computer/%d", c.id), cfg.ComputerSpaceLimit)
	if err != nil {
		return nil, nil, err
	}
	if err := fsys.MountWritable("", "hdd", hdd); err != nil {
		return nil, nil, err
	}
	rom, err := c.svc.Mounts.ResourceMount(resourceDomain, romDir)
	if err != nil {
		return nil, nil, err
	}
	if err := fsys.Mount("rom", "rom", rom); err != nil {
		return nil, nil, err
	}
	for _, m := range mounts {
		if err := fsys.Mount(m.location, m.label, m.mount); err != nil {
			return nil, nil, err
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		ctx:     sctx,
		cancel:  cancel,
		machine: luart.NewMachine(sctx, cfg.AbortTimeout.Std()),
		exec:    luart.NewExecutor(cfg.MaxEventQueue, c.svc.Threads),
		main:    c.svc.MainThread.NewExecutor(c.obs),
		fs:      fsys,
		done:    make(chan struct{}),
	}

	c.requests.SetLimit(cfg.HTTP.MaxRequests)
	c.websockets.SetLimit(cfg.HTTP.MaxWebsockets)
	c.bandwidth.SetLimits(cfg.HTTP.DownloadBandwidth, cfg.HTTP.UploadBandwidth)
	if cfg.HTTP.Enabled {
		s.http = &apihttp.Client{
			HTTP:       &nethttp.Client{Transport: c.svc.Transport},
			Dialer:     c.svc.Dialer,
			Rules:      c.svc.Rules(),
			Options:    cfg.HTTP.Options(),
			Requests:   c.requests,
			Websockets: c.websockets,
			Bandwidth:  c.bandwidth,
			Queue:      c.QueueEvent,
			Observer:   c.obs,
		}
		s.http.Reopen()
	}

	L := s.machine.L
	env := &apis.Env{
		MainThread:  s.main,
		TaskTimeout: cfg.MainThreadTaskTimeout.Std(),
		Observer:    c.obs,
		ComputerID:  c.id,
	}
	apis.Install(L, apis.TermAPI(c.term), env)
	apis.Install(L, apis.FSAPI(fsys), env)
	apis.Install(L, apis.OSAPI(osHost{c}, c.svc.Now), env)
	apis.Install(L, apis.PeripheralAPI(c), env)
	if s.http != nil {
		apis.Install(L, apihttp.API(s.http), env)
	}
	L.SetGlobal("_HOST", lua.LString("ComputerCore"))
	if c.opts.Startup != "" {
		L.SetGlobal("_STARTUP", lua.LString(c.opts.Startup))
	}
	return s, bios, nil
}

// boot runs on the computer's goroutine.
func (c *Computer) boot(s *session, bios []byte) {
	if s.stopped.Load() {
		return
	}
	start := time.Now()
	err := s.machine.Load(biosFile, bytes.NewReader(bios))
	if err == nil {
		err = s.machine.Start()
	}
	c.obs.ObserveEvent(metrics.ComputerTasks, time.Since(start).Nanoseconds())
	if err != nil {
		c.crash(s, err)
		return
	}
	c.mu.Lock()
	if c.run == s && c.state == StateStarting {
		c.state = StateOn
	}
	c.mu.Unlock()
	if s.machine.Finished() {
		c.request(actionShutdown)
	}
}

// deliver runs on the computer's goroutine.
func (c *Computer) deliver(s *session, name string, args []any) {
	if s.stopped.Load() {
		return
	}
	L := s.machine.L
	values := make([]lua.LValue, len(args))
	for i, a := range args {
		values[i] = luart.ToLua(L, a)
	}
	start := time.Now()
	err := s.machine.HandleEvent(name, values...)
	c.obs.ObserveEvent(metrics.ComputerTasks, time.Since(start).Nanoseconds())
	if err != nil {
		c.crash(s, err)
		return
	}
	if s.machine.Finished() {
		c.request(actionShutdown)
	}
}

// crash stops a session whose program failed. The error stays on the
// terminal and the computer blinks until it is turned off or on.
func (c *Computer) crash(s *session, err error) {
	c.mu.Lock()
	if c.run != s {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.state = StateBlinking
	c.err = err
	attached := c.attachedPeripherals()
	c.mu.Unlock()

	log.Warnf(s.ctx, "Computer %d stopped: %v", c.id, err)
	c.detach(attached)
	s.stop()
	c.showError(err)
}

// showError prints err in red on a fresh line.
func (c *Computer) showError(err error) {
	t := c.term
	if t.IsColour() {
		t.SetTextColour(terminal.ColourRed)
	}
	_, y := t.CursorPos()
	if y >= t.Height()-1 {
		t.Scroll(1)
		y = t.Height() - 1
	} else if y > 0 {
		y++
	}
	msg := terminal.EncodeString(luart.ErrorMessage(err))
	for len(msg) > 0 {
		n := min(len(msg), t.Width())
		t.SetCursorPos(0, y)
		t.Write(msg[:n])
		msg = msg[n:]
		if y < t.Height()-1 {
			y++
		} else {
			t.Scroll(1)
		}
	}
	t.SetCursorPos(0, y)
	t.SetTextColour(terminal.DefaultTextColour)
}

// Shutdown turns the computer off, waiting for its program to stop.
// Pending main-thread tasks fail, network resources close without queueing
// events and open files are closed.
func (c *Computer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s := c.run
	c.run = nil
	c.state = StateOff
	c.err = nil
	c.pending = actionNone
	clear(c.timers)
	clear(c.alarms)
	attached := c.attachedPeripherals()
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	log.Debugf(ctx, "Computer %d shutting down", c.id)
	c.detach(attached)
	s.stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reboot turns the computer off and on again.
func (c *Computer) Reboot(ctx context.Context) error {
	if err := c.Shutdown(ctx); err != nil {
		return err
	}
	return c.TurnOn(ctx)
}

// request schedules a shutdown or reboot for the next tick. The program
// asks for these from its own goroutine, which Shutdown would wait on.
func (c *Computer) request(a action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil && a > c.pending {
		c.pending = a
	}
}

// QueueEvent queues an event for the computer's program. Arguments are
// converted to Lua when the event is delivered.
func (c *Computer) QueueEvent(name string, args ...any) error {
	c.mu.Lock()
	s := c.run
	c.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}
	err := s.exec.ExecuteAsync(func(context.Context) error {
		c.deliver(s, name, args)
		return nil
	})
	switch {
	case errors.Is(err, luart.ErrQueueFull):
		return ErrEventQueueFull
	case errors.Is(err, luart.ErrClosed):
		return ErrNotRunning
	}
	return err
}

// Tick advances the computer by one host tick: it carries out shutdown and
// reboot requests, fires due timers and alarms, and flushes terminal
// changes.
func (c *Computer) Tick(ctx context.Context) {
	now := c.svc.Now()
	hours := c.svc.Clock.hours()

	c.mu.Lock()
	a := c.pending
	c.pending = actionNone
	var timers, alarms []int
	if c.run != nil {
		c.onTicks++
		for id, at := range c.timers {
			if !now.Before(at) {
				timers = append(timers, id)
				delete(c.timers, id)
			}
		}
		for id, at := range c.alarms {
			if hours >= at {
				alarms = append(alarms, id)
				delete(c.alarms, id)
			}
		}
	}
	c.mu.Unlock()

	switch a {
	case actionShutdown:
		if err := c.Shutdown(ctx); err != nil {
			log.Warnf(ctx, "Computer %d: shutdown: %v", c.id, err)
		}
	case actionReboot:
		if err := c.Reboot(ctx); err != nil {
			log.Warnf(ctx, "Computer %d: reboot: %v", c.id, err)
		}
	}

	slices.Sort(timers)
	for _, id := range timers {
		c.queueLogged(ctx, "timer", id)
	}
	slices.Sort(alarms)
	for _, id := range alarms {
		c.queueLogged(ctx, "alarm", id)
	}
	c.term.Flush()
}

func (c *Computer) queueLogged(ctx context.Context, name string, args ...any) {
	if err := c.QueueEvent(name, args...); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Warnf(ctx, "Computer %d: dropped %s event: %v", c.id, name, err)
	}
}

// StartTimer queues a timer event after d. Timers fire on the first tick
// at or after their deadline.
func (c *Computer) StartTimer(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTimer++
	c.timers[c.nextTimer] = c.svc.Now().Add(d)
	return c.nextTimer
}

// CancelTimer cancels a timer that has not fired.
func (c *Computer) CancelTimer(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
}

// SetAlarm queues an alarm event the next time the world clock reaches hour.
func (c *Computer) SetAlarm(hour float64) int {
	now := c.svc.Clock.hours()
	at := float64(int(now/24))*24 + hour
	if at <= now {
		at += 24
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTimer++
	c.alarms[c.nextTimer] = at
	return c.nextTimer
}

// CancelAlarm cancels an alarm that has not fired.
func (c *Computer) CancelAlarm(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alarms, id)
}

// Clock returns the seconds the computer has been on, in whole ticks.
func (c *Computer) Clock() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.onTicks) / TicksPerSecond
}

// Day returns the in-world day.
func (c *Computer) Day() int { return c.svc.Clock.Day() }

// TimeOfDay returns the in-world time in hours.
func (c *Computer) TimeOfDay() float64 { return c.svc.Clock.TimeOfDay() }

// osHost is the computer as the os API sees it. Shutdown and reboot take
// effect on the next tick.
type osHost struct{ *Computer }

func (h osHost) Shutdown() { h.request(actionShutdown) }
func (h osHost) Reboot()   { h.request(actionReboot) }
