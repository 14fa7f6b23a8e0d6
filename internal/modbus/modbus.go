package modbus

import (
	"context"
	"log"
	"time"

	"github.com/goburrow/modbus"
)

const (
	DefaultBaudRate     = 19200
	DefaultTimeout      = 1 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Client is a modbus RTU client over a local serial port.
type Client struct {
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// Timeout bounds each request. Defaults to 1s.
	Timeout time.Duration

	// Poll is called every PollInterval while the connection is active.
	Poll         func() error
	PollInterval time.Duration

	handler *modbus.RTUClientHandler
	modbus.Client
}

func (c *Client) newHandler() *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(c.Port)
	handler.BaudRate = c.BaudRate
	if handler.BaudRate == 0 {
		handler.BaudRate = DefaultBaudRate
	}
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = c.Timeout
	if handler.Timeout == 0 {
		handler.Timeout = DefaultTimeout
	}
	handler.SlaveId = c.SlaveId
	return handler
}

// Connect starts a background loop that opens the port and polls it until
// ctx is done. Requests may be issued at any time; they fail while the
// port is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.handler = c.newHandler()
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			log.Printf("opening %q: %v", c.Port, err)
			continue
		}
		if err := c.watch(ctx); err != nil {
			log.Printf("watching %q: %v", c.Port, err)
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		if c.Poll != nil {
			if err := c.Poll(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func (c *Client) ReadCoil(coil int) (bool, error) {
	results, err := c.ReadCoils(uint16(coil), 1)
	if err != nil {
		return false, err
	}
	bits := BytesToBits(results)
	return len(bits) > 0 && bits[0], nil
}

// BytesToBits unpacks modbus bit responses, least significant bit first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
