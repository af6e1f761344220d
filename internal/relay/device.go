package relay

import (
	"io"
	"sync"
	"time"
)

// channelState tracks one timestamping channel between its start and
// stop commands.
type channelState struct {
	started   bool
	startTick uint32
}

// DeviceOptions configures the simulated relay device.
type DeviceOptions struct {
	// Ticks supplies the device clock. Defaults to milliseconds since
	// device creation.
	Ticks func() uint32
	// OnIndicator observes the connect indicator, for hosts that render
	// one.
	OnIndicator func(on bool)
}

// Device is a software rendition of the relay firmware: a command
// dispatch table plus per-channel edge handlers, serialized on one
// mutex the way the firmware serializes on its single core. It backs
// EMU-mode boxes and protocol tests.
type Device struct {
	opts DeviceOptions

	mu        sync.Mutex
	out       io.Writer
	connected bool
	channels  [MaxChannels]channelState
	reboots   int
}

func NewDevice(opts DeviceOptions) *Device {
	if opts.Ticks == nil {
		epoch := time.Now()
		opts.Ticks = func() uint32 {
			return uint32(time.Since(epoch).Milliseconds())
		}
	}
	return &Device{opts: opts}
}

// Serve reads host commands from rw until it fails, writing replies and
// edge events back on the same link.
func (d *Device) Serve(rw io.ReadWriter) error {
	d.mu.Lock()
	d.out = rw
	d.mu.Unlock()

	buffer := make([]byte, 1)
	for {
		if _, err := io.ReadFull(rw, buffer); err != nil {
			return err
		}
		tag := Tag(buffer[0])
		switch tag {
		case TagStart, TagStop:
			var body [2]byte
			if _, err := io.ReadFull(rw, body[:]); err != nil {
				return err
			}
			channel := uint16(body[0]) | uint16(body[1])<<8
			d.handleChannelCommand(tag, channel)
		case TagConnect, TagDisconnect, TagReboot:
			d.handleBareCommand(tag)
		default:
			// Line noise; the firmware skips unknown bytes.
		}
	}
}

func (d *Device) handleBareCommand(tag Tag) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch tag {
	case TagConnect:
		d.connected = true
		d.setIndicator(true)
		d.reply(Frame{Tag: TagConnect})
	case TagDisconnect:
		if !d.connected {
			return
		}
		d.connected = false
		d.channels = [MaxChannels]channelState{}
		d.setIndicator(false)
		d.reply(Frame{Tag: TagDisconnect})
	case TagReboot:
		// Reboot is only honored while disconnected, and sends no reply.
		if d.connected {
			return
		}
		d.channels = [MaxChannels]channelState{}
		d.reboots++
	}
}

func (d *Device) handleChannelCommand(tag Tag, channel uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Commands before connect, and out-of-range channels, are ignored
	// without any emission.
	if !d.connected || channel >= MaxChannels {
		return
	}

	switch tag {
	case TagStart:
		d.channels[channel] = channelState{started: true, startTick: d.opts.Ticks()}
		d.reply(Frame{Tag: TagStart, Channel: channel, Level: 1, Elapsed: 0})
	case TagStop:
		state := d.channels[channel]
		if !state.started {
			return
		}
		elapsed := d.opts.Ticks() - state.startTick
		d.channels[channel] = channelState{}
		d.reply(Frame{Tag: TagStop, Channel: channel, Level: 0, Elapsed: elapsed})
	}
}

// Edge reports a line transition on a channel. Started channels emit a
// timestamped event; everything else is silent.
func (d *Device) Edge(channel uint16, level uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || channel >= MaxChannels {
		return
	}
	state := d.channels[channel]
	if !state.started {
		return
	}
	d.reply(Frame{
		Tag:     TagEvent,
		Channel: channel,
		Level:   level,
		Elapsed: d.opts.Ticks() - state.startTick,
	})
}

// Connected reports the indicator state.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Reboots counts honored reboot commands, for tests.
func (d *Device) Reboots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reboots
}

func (d *Device) reply(frame Frame) {
	if d.out == nil {
		return
	}
	_, _ = d.out.Write(frame.Encode())
}

func (d *Device) setIndicator(on bool) {
	if d.opts.OnIndicator != nil {
		d.opts.OnIndicator(on)
	}
}
