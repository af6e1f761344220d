package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

var (
	ErrLinkClosed = errors.New("relay link closed")
	ErrBadAck     = errors.New("unexpected relay ack")
)

const defaultAckTimeout = 2 * time.Second

// Link is the host side of the relay protocol. Commands run strictly
// one at a time; edge events arrive on their own channel at any moment
// and never interleave with ack parsing because the read loop is the
// single reader.
type Link struct {
	rw     io.ReadWriteCloser
	logger *logging.Logger

	// cmdMu serializes command round-trips.
	cmdMu sync.Mutex
	acks  chan Frame

	events chan Frame
	done   chan struct{}
	once   sync.Once
}

func NewLink(rw io.ReadWriteCloser, logger *logging.Logger) *Link {
	l := &Link{
		rw:     rw,
		logger: logger,
		acks:   make(chan Frame, 1),
		events: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	for {
		frame, err := ReadFrame(l.rw)
		if err != nil {
			l.Close()
			return
		}
		if frame.Tag == TagEvent {
			select {
			case l.events <- frame:
			default:
				if l.logger != nil {
					l.logger.Warn("relay event dropped, consumer too slow", map[string]string{
						"frame": frame.String(),
					})
				}
			}
			continue
		}
		select {
		case l.acks <- frame:
		case <-l.done:
			return
		default:
			// Ack with no waiter; stale after a command timeout.
		}
	}
}

// Events delivers unsolicited edge frames.
func (l *Link) Events() <-chan Frame {
	return l.events
}

// Connect enables the device.
func (l *Link) Connect(ctx context.Context) error {
	_, err := l.roundTrip(ctx, TagConnect, 0, TagConnect)
	return err
}

// Disconnect clears all device channel state.
func (l *Link) Disconnect(ctx context.Context) error {
	_, err := l.roundTrip(ctx, TagDisconnect, 0, TagDisconnect)
	return err
}

// StartChannel begins timestamping a channel; the ack confirms the
// channel with a zero elapsed count.
func (l *Link) StartChannel(ctx context.Context, channel uint16) (Frame, error) {
	if channel >= MaxChannels {
		return Frame{}, fmt.Errorf("channel %d out of range", channel)
	}
	return l.roundTrip(ctx, TagStart, channel, TagStart)
}

// StopChannel ends timestamping; the ack carries the channel's final
// elapsed count.
func (l *Link) StopChannel(ctx context.Context, channel uint16) (Frame, error) {
	if channel >= MaxChannels {
		return Frame{}, fmt.Errorf("channel %d out of range", channel)
	}
	return l.roundTrip(ctx, TagStop, channel, TagStop)
}

// Reboot is fire-and-forget: the device only honors it while
// disconnected and never replies.
func (l *Link) Reboot() error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	if l.isClosed() {
		return ErrLinkClosed
	}
	return WriteCommand(l.rw, TagReboot, 0)
}

func (l *Link) roundTrip(ctx context.Context, tag Tag, channel uint16, want Tag) (Frame, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	if l.isClosed() {
		return Frame{}, ErrLinkClosed
	}

	// Drain any stale ack from a previously timed-out command.
	select {
	case <-l.acks:
	default:
	}

	if err := WriteCommand(l.rw, tag, channel); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(defaultAckTimeout)
	defer timer.Stop()

	select {
	case ack := <-l.acks:
		if ack.Tag != want {
			return Frame{}, fmt.Errorf("%w: got %s, want %c", ErrBadAck, ack, want)
		}
		return ack, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("relay ack timeout for %c", tag)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-l.done:
		return Frame{}, ErrLinkClosed
	}
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rw.Close()
	})
	return err
}
