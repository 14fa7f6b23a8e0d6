package kinesis

import (
	"bufio"
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"github.com/w1xm/bsc_raster/kinesis/internal/apt"
	"github.com/w1xm/bsc_raster/stage"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected   = errors.New("controller not connected")
	ErrUnknownChannel = errors.New("unknown channel")
)

const (
	// A benchtop controller has at most this many bays.
	maxChannels = 15
	baudRate    = 115200
	// statusTimeout bounds the wait for a requested status update.
	statusTimeout = 2 * time.Second
)

type channel struct {
	queue *messageQueue
	// settings is nil until LoadSettings succeeds.
	settings *StageSettings
	status   stage.Status
	// statusSeen is closed and replaced on every status update.
	statusSeen chan struct{}
	stopPoll   context.CancelFunc
}

// Controller implements stage.Controller for a Thorlabs benchtop stepper
// controller speaking the APT protocol.
type Controller struct {
	ctx            context.Context
	settings       SettingsStore
	statusCallback stage.StatusCallback

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	connected chan struct{}
	channels  map[int]*channel

	// writeMu serializes frames on the port.
	writeMu sync.Mutex
}

var _ stage.Controller = (*Controller)(nil)
var _ stage.Stopper = (*Controller)(nil)

func newController(ctx context.Context, settings SettingsStore, statusCallback stage.StatusCallback) *Controller {
	if statusCallback == nil {
		statusCallback = func(stage.Status) {}
	}
	return &Controller{
		ctx:            ctx,
		settings:       settings,
		statusCallback: statusCallback,
		connected:      make(chan struct{}),
		channels:       make(map[int]*channel),
	}
}

// Connect opens the controller on a serial port, reconnecting until ctx
// is canceled.
func Connect(ctx context.Context, port string, settings SettingsStore, statusCallback stage.StatusCallback) (*Controller, error) {
	c := newController(ctx, settings, statusCallback)
	go c.reconnectLoop(ctx, port)
	return c, nil
}

// NewWithConn runs the controller over an already open connection, such
// as one end of a simulator pipe.
func NewWithConn(ctx context.Context, conn io.ReadWriteCloser, settings SettingsStore, statusCallback stage.StatusCallback) *Controller {
	c := newController(ctx, settings, statusCallback)
	go func() {
		c.attach(conn)
		if err := c.watch(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("watching controller: %v", err)
		}
		c.detach()
	}()
	return c
}

func (c *Controller) reconnectLoop(ctx context.Context, port string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baudRate})
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		c.attach(s)
		if err := c.watch(ctx, s); err != nil && ctx.Err() == nil {
			log.Printf("watching %q: %v", port, err)
		}
		c.detach()
	}
}

func (c *Controller) attach(conn io.ReadWriteCloser) {
	c.mu.Lock()
	c.conn = conn
	close(c.connected)
	c.mu.Unlock()
	// Settings are owned by the host, not the controller's flash.
	if err := c.send(apt.Short(apt.HWNoFlashProgramming, apt.Motherboard, apt.Host, 0, 0)); err != nil {
		log.Printf("disabling flash programming: %v", err)
	}
}

func (c *Controller) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connected = make(chan struct{})
}

// WaitConnected blocks until the port is open.
func (c *Controller) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connected:
		return nil
	}
}

func (c *Controller) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		br := bufio.NewReader(conn)
		for {
			f, err := apt.ReadFrame(br)
			if err != nil {
				return errors.Wrap(err, "reading port")
			}
			c.handleFrame(f)
		}
	})
	return g.Wait()
}

func (c *Controller) handleFrame(f apt.Frame) {
	axis := apt.Channel(f.Source)
	ch, err := c.channel(axis)
	if err != nil {
		if f.ID == apt.HWResponse || f.ID == apt.HWRichResponse {
			log.Printf("controller error %d", apt.ErrorCode(f))
			return
		}
		log.Printf("message 0x%04x from 0x%02x: %v", f.ID, f.Source, err)
		return
	}
	switch f.ID {
	case apt.MotMoveHomed:
		ch.queue.push(stage.Message{Type: stage.MoveCompleteType, ID: stage.HomingCompleteID})
	case apt.MotMoveCompleted:
		c.updateStatus(axis, ch, f.Data)
		ch.queue.push(stage.Message{Type: stage.MoveCompleteType, ID: stage.MoveCompleteID})
	case apt.MotMoveStopped:
		c.updateStatus(axis, ch, f.Data)
		ch.queue.push(stage.Message{Type: stage.MoveCompleteType, ID: stage.MoveStoppedID})
	case apt.MotGetStatusUpdate:
		c.updateStatus(axis, ch, f.Data)
		ch.queue.push(stage.Message{Type: stage.GenericDeviceType, ID: stage.StatusUpdatedID})
	case apt.HWResponse, apt.HWRichResponse:
		code := apt.ErrorCode(f)
		log.Printf("channel %d: controller error %d", axis, code)
		ch.queue.push(stage.Message{Type: stage.GenericDeviceType, ID: stage.DeviceErrorID, Extra: code})
	default:
		log.Printf("channel %d: unhandled message 0x%04x", axis, f.ID)
	}
}

func (c *Controller) updateStatus(axis int, ch *channel, data []byte) {
	u, err := apt.ParseStatusUpdate(data)
	if err != nil {
		log.Printf("channel %d: %v", axis, err)
		return
	}
	status := stage.Status{
		Axis:         axis,
		Position:     u.Position,
		EncoderCount: u.Encoder,
		StatusBits:   u.Bits,
		LimitCW:      u.Bits&apt.StatusLimitCW != 0,
		LimitCCW:     u.Bits&apt.StatusLimitCCW != 0,
		Moving:       u.Bits&(apt.StatusMovingCW|apt.StatusMovingCCW|apt.StatusJoggingCW|apt.StatusJoggingCCW) != 0,
		Homing:       u.Bits&apt.StatusHoming != 0,
		Homed:        u.Bits&apt.StatusHomed != 0,
		Updated:      time.Now(),
	}
	c.mu.Lock()
	ch.status = status
	close(ch.statusSeen)
	ch.statusSeen = make(chan struct{})
	c.mu.Unlock()
	c.statusCallback(status)
}

func (c *Controller) channel(axis int) (*channel, error) {
	if axis < 1 || axis > maxChannels {
		return nil, errors.Wrapf(ErrUnknownChannel, "channel %d", axis)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[axis]
	if !ok {
		ch = &channel{
			queue:      newMessageQueue(),
			statusSeen: make(chan struct{}),
		}
		c.channels[axis] = ch
	}
	return ch, nil
}

func (c *Controller) send(f apt.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return apt.WriteFrame(conn, f)
}

func (c *Controller) sendShort(axis int, id uint16, param2 byte) error {
	if _, err := c.channel(axis); err != nil {
		return err
	}
	return errors.Wrapf(c.send(apt.Short(id, apt.Bay(axis), apt.Host, byte(apt.ChanIdent), param2)), "channel %d", axis)
}

func (c *Controller) sendLong(axis int, id uint16, fields ...int32) error {
	if _, err := c.channel(axis); err != nil {
		return err
	}
	return errors.Wrapf(c.send(apt.Long(id, apt.Bay(axis), apt.Host, fields...)), "channel %d", axis)
}

// StartPolling enables the channel and requests a status update every rate.
// Each update is queued as a (GenericDeviceType, StatusUpdatedID) message.
func (c *Controller) StartPolling(axis int, rate time.Duration) error {
	if rate <= 0 {
		return errors.Errorf("channel %d: poll rate must be positive, got %v", axis, rate)
	}
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	if err := c.sendShort(axis, apt.ModSetChanEnableState, apt.ChanEnabled); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if ch.stopPoll != nil {
		ch.stopPoll()
	}
	ch.stopPoll = cancel
	c.mu.Unlock()
	go c.poll(ctx, axis, rate)
	return nil
}

func (c *Controller) StopPolling(axis int) {
	ch, err := c.channel(axis)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.stopPoll != nil {
		ch.stopPoll()
		ch.stopPoll = nil
	}
}

func (c *Controller) poll(ctx context.Context, axis int, rate time.Duration) {
	t := time.NewTicker(rate)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := c.sendShort(axis, apt.MotReqStatusUpdate, 0); err != nil && errors.Cause(err) != ErrNotConnected {
			log.Printf("polling channel %d: %v", axis, err)
		}
	}
}

// LoadSettings loads the persisted stage settings for the channel. Unit
// conversion is refused until this succeeds.
func (c *Controller) LoadSettings(axis int) error {
	ch, err := c.channel(axis)
	if err != nil {
		return err
	}
	if c.settings == nil {
		return errors.Errorf("channel %d: no settings store", axis)
	}
	s, err := c.settings.Load(axis)
	if err != nil {
		return errors.Wrapf(err, "channel %d", axis)
	}
	c.mu.Lock()
	ch.settings = &s
	c.mu.Unlock()
	return nil
}

func (c *Controller) loadedSettings(axis int) (*StageSettings, error) {
	ch, err := c.channel(axis)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.settings == nil {
		return nil, errors.Wrapf(stage.ErrSettingsNotLoaded, "channel %d", axis)
	}
	return ch.settings, nil
}

func (c *Controller) DeviceUnit(axis int, value float64, kind stage.UnitKind) (int32, error) {
	s, err := c.loadedSettings(axis)
	if err != nil {
		return 0, err
	}
	v, err := s.DeviceUnit(value, kind)
	return v, errors.Wrapf(err, "channel %d", axis)
}

// Status returns the last polled status of the channel.
func (c *Controller) Status(axis int) (stage.Status, bool) {
	ch, err := c.channel(axis)
	if err != nil {
		return stage.Status{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ch.status, !ch.status.Updated.IsZero()
}

func (c *Controller) requestStatus(ctx context.Context, axis int) (stage.Status, error) {
	ch, err := c.channel(axis)
	if err != nil {
		return stage.Status{}, err
	}
	c.mu.Lock()
	seen := ch.statusSeen
	c.mu.Unlock()
	if err := c.sendShort(axis, apt.MotReqStatusUpdate, 0); err != nil {
		return stage.Status{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return stage.Status{}, errors.Wrapf(ctx.Err(), "channel %d: waiting for status", axis)
	case <-seen:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ch.status, nil
}

// CanMoveWithoutHoming reports whether absolute moves can be trusted:
// either the stage does not need homing or the controller reports it homed.
func (c *Controller) CanMoveWithoutHoming(ctx context.Context, axis int) (bool, error) {
	if s, err := c.loadedSettings(axis); err == nil && !s.HomingRequired {
		return true, nil
	}
	status, err := c.requestStatus(ctx, axis)
	if err != nil {
		return false, err
	}
	return status.Homed, nil
}

func (c *Controller) Home(axis int) error {
	return c.sendShort(axis, apt.MotMoveHome, 0)
}

func (c *Controller) SetHomingVelocity(axis int, velocity int32) error {
	var offset int32
	if s, err := c.loadedSettings(axis); err == nil {
		if offset, err = s.DeviceUnit(s.HomeOffset, stage.Distance); err != nil {
			return errors.Wrapf(err, "channel %d: home offset", axis)
		}
	}
	if _, err := c.channel(axis); err != nil {
		return err
	}
	return errors.Wrapf(c.send(apt.HomeParams(axis, velocity, offset)), "channel %d", axis)
}

func (c *Controller) SetVelocityParams(axis int, min, max, accel int32) error {
	if _, err := c.channel(axis); err != nil {
		return err
	}
	return errors.Wrapf(c.send(apt.VelParams(axis, min, max, accel)), "channel %d", axis)
}

func (c *Controller) MoveToPosition(axis int, position int32) error {
	return c.sendLong(axis, apt.MotMoveAbsolute, position)
}

func (c *Controller) MoveRelative(axis int, distance int32) error {
	return c.sendLong(axis, apt.MotMoveRelative, distance)
}

// StopImmediate halts the channel without a deceleration ramp.
func (c *Controller) StopImmediate(axis int) error {
	return c.sendShort(axis, apt.MotMoveStop, apt.StopImmediate)
}

func (c *Controller) ClearMessageQueue(axis int) {
	ch, err := c.channel(axis)
	if err != nil {
		return
	}
	ch.queue.clear()
}

func (c *Controller) WaitForMessage(ctx context.Context, axis int) (stage.Message, error) {
	ch, err := c.channel(axis)
	if err != nil {
		return stage.Message{}, err
	}
	return ch.queue.wait(ctx)
}
