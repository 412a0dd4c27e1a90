package platform

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/godbus/dbus/v5"
	zlog "github.com/rs/zerolog/log"
)

const (
	login1Service   = "org.freedesktop.login1"
	login1Path      = dbus.ObjectPath("/org/freedesktop/login1")
	login1Inhibit   = "org.freedesktop.login1.Manager.Inhibit"
	screenSaverIfc  = "org.freedesktop.ScreenSaver"
	activeChanged   = "ActiveChanged"
	inhibitWhat     = "idle:sleep"
	inhibitWho      = "physiocue"
	inhibitWhy      = "Exercise session in progress"
	inhibitMode     = "block"
	signalBuffer    = 8
	visibilityQueue = 4
)

// DBus holds a logind inhibitor lock while a session plays and maps the
// desktop screensaver state to player visibility.
type DBus struct {
	system  *dbus.Conn
	session *dbus.Conn

	mu      sync.Mutex
	inhibit *os.File

	signals    chan *dbus.Signal
	visibility chan bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewDBus connects to the system bus for inhibitor locks and, when present,
// to the session bus for screensaver signals.
func NewDBus() (*DBus, error) {
	system, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}

	d := &DBus{
		system:     system,
		visibility: make(chan bool, visibilityQueue),
		done:       make(chan struct{}),
	}

	session, err := dbus.ConnectSessionBus()
	if err != nil {
		zlog.Warn().Err(err).Msg("platform: session bus unavailable, visibility disabled")
		return d, nil
	}
	if err := session.AddMatchSignal(
		dbus.WithMatchInterface(screenSaverIfc),
		dbus.WithMatchMember(activeChanged),
	); err != nil {
		_ = session.Close()
		zlog.Warn().Err(err).Msg("platform: failed to watch screensaver, visibility disabled")
		return d, nil
	}

	d.session = session
	d.signals = make(chan *dbus.Signal, signalBuffer)
	session.Signal(d.signals)

	d.wg.Add(1)
	go d.watch()
	return d, nil
}

// AcquireWakeLock takes a logind idle and sleep inhibitor. The lock lasts
// until the returned descriptor is closed.
func (d *DBus) AcquireWakeLock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inhibit != nil {
		return nil
	}

	var fd dbus.UnixFD
	obj := d.system.Object(login1Service, login1Path)
	if err := obj.CallWithContext(ctx, login1Inhibit, 0,
		inhibitWhat, inhibitWho, inhibitWhy, inhibitMode).Store(&fd); err != nil {
		return errors.Wrap(err, "failed to take inhibitor lock")
	}

	d.inhibit = os.NewFile(uintptr(fd), "login1-inhibit")
	zlog.Debug().Msg("platform: wake lock acquired")
	return nil
}

// ReleaseWakeLock drops the inhibitor lock if held.
func (d *DBus) ReleaseWakeLock() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inhibit == nil {
		return nil
	}
	err := d.inhibit.Close()
	d.inhibit = nil
	zlog.Debug().Msg("platform: wake lock released")
	return errors.Wrap(err, "failed to release inhibitor lock")
}

// Visibility reports true when the screen becomes usable again and false
// when the screensaver activates.
func (d *DBus) Visibility() <-chan bool {
	return d.visibility
}

// Close releases the lock and disconnects.
func (d *DBus) Close() error {
	err := d.ReleaseWakeLock()

	close(d.done)
	if d.session != nil {
		d.session.RemoveSignal(d.signals)
		_ = d.session.Close()
	}
	d.wg.Wait()

	if cerr := d.system.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "failed to close system bus")
	}
	return err
}

func (d *DBus) watch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			visible, ok := visibilityFromSignal(sig)
			if !ok {
				continue
			}
			select {
			case d.visibility <- visible:
			case <-d.done:
				return
			}
		}
	}
}

// visibilityFromSignal maps a screensaver ActiveChanged signal to visibility.
func visibilityFromSignal(sig *dbus.Signal) (bool, bool) {
	if sig == nil || sig.Name != screenSaverIfc+"."+activeChanged || len(sig.Body) != 1 {
		return false, false
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return false, false
	}
	return !active, true
}
