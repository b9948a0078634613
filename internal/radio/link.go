package radio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

// Link reads packets from the dongle and feeds allowed ones to the router.
type Link struct {
	port   io.ReadCloser
	reader *bufio.Reader
	rt     *router.Router
	logger *slog.Logger

	// OnPacket, when set, is called for every packet after filtering.
	OnPacket func(p Packet, err error)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port and starts the read loop.
func Open(portName string, baudRate int, rt *router.Router, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", portName, err)
	}
	l := NewLink(port, rt, logger)
	l.Start()
	return l, nil
}

// NewLink wraps an already open stream. Call Start to begin reading.
func NewLink(port io.ReadCloser, rt *router.Router, logger *slog.Logger) *Link {
	return &Link{
		port:   port,
		reader: bufio.NewReader(port),
		rt:     rt,
		logger: logger.With("component", "radio"),
		done:   make(chan struct{}),
	}
}

// Start launches the read loop.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.readLoop()
}

// Close stops the read loop and closes the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	l.wg.Wait()
	return err
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-l.done:
			return
		default:
		}

		p, err := readFrame(l.reader)
		if errors.Is(err, ErrBadChecksum) {
			l.logger.Warn("radio frame dropped", "err", err)
			continue
		}
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				l.logger.Error("radio read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		err = l.Receive(p.From, p.Payload)
		if l.OnPacket != nil {
			l.OnPacket(p, err)
		}
	}
}

// Receive filters a packet against the allow-list and dispatches it.
func (l *Link) Receive(from state.Address, payload []byte) error {
	if !l.rt.Registry().Peers().Contains(from) {
		l.logger.Debug("radio packet from unknown peer", "from", from)
		return fmt.Errorf("%w: %s", router.ErrUnauthorizedPeer, from)
	}
	if _, err := l.rt.Dispatch(router.OriginRadio, payload); err != nil {
		return err
	}
	return nil
}
