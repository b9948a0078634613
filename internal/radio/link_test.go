package radio

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	remoteA = state.Address{0x24, 0x0A, 0xC4, 0x00, 0x00, 0x01}
	remoteB = state.Address{0x24, 0x0A, 0xC4, 0x00, 0x00, 0x02}
)

func newTestRouter(t *testing.T, peers ...state.Peer) *router.Router {
	t.Helper()
	list, err := state.NewPeerList(peers...)
	if err != nil {
		t.Fatal(err)
	}
	reg := state.NewRegistry(state.Seed{Identity: state.Identity{Name: "lamp"}, Peers: list}, nil, nil)
	return router.New(reg, nil, router.WithLogger(newTestLogger()))
}

func mustEncode(t *testing.T, p Packet) []byte {
	t.Helper()
	b, err := EncodeFrame(p)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFrameRoundTrip(t *testing.T) {
	want := Packet{From: remoteA, Payload: []byte{byte(protocol.RadioToggleAll)}}
	raw := mustEncode(t, want)

	// Leading noise, including a lone sync byte, is skipped.
	stream := append([]byte{0x00, 0xDE, 0x13}, raw...)
	got, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if got.From != want.From || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("packet = %+v, want %+v", got, want)
	}
}

func TestFrameBadChecksum(t *testing.T) {
	raw := mustEncode(t, Packet{From: remoteA, Payload: []byte{1}})
	raw[len(raw)-1] ^= 0xFF
	if _, err := readFrame(bufio.NewReader(bytes.NewReader(raw))); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("err = %v, want ErrBadChecksum", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	raw := mustEncode(t, Packet{From: remoteA, Payload: []byte{1, 2, 3}})
	_, err := readFrame(bufio.NewReader(bytes.NewReader(raw[:len(raw)-2])))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	if _, err := EncodeFrame(Packet{Payload: make([]byte, MaxPayload+1)}); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestReceiveEmptyAllowList(t *testing.T) {
	rt := newTestRouter(t)
	l := NewLink(io.NopCloser(bytes.NewReader(nil)), rt, newTestLogger())

	err := l.Receive(remoteA, []byte{byte(protocol.RadioTurnOnAll)})
	if !errors.Is(err, router.ErrUnauthorizedPeer) {
		t.Errorf("err = %v, want ErrUnauthorizedPeer", err)
	}
	if rt.Registry().Output().AnyVisible() {
		t.Error("output changed by an unauthorized packet")
	}
}

func TestReceiveAllowList(t *testing.T) {
	peers := []state.Peer{{Name: "remote", Address: remoteA}}
	for i := 1; i < state.MaxPeers; i++ {
		peers = append(peers, state.Peer{Name: "filler", Address: state.Address{0xAA, 0, 0, 0, 0, byte(i)}})
	}
	rt := newTestRouter(t, peers...)
	l := NewLink(io.NopCloser(bytes.NewReader(nil)), rt, newTestLogger())

	if err := l.Receive(remoteB, []byte{byte(protocol.RadioToggleRed)}); !errors.Is(err, router.ErrUnauthorizedPeer) {
		t.Errorf("unknown sender err = %v, want ErrUnauthorizedPeer", err)
	}
	if err := l.Receive(remoteA, []byte{byte(protocol.RadioToggleRed)}); err != nil {
		t.Fatalf("allowed sender err = %v", err)
	}
	red := rt.Registry().Output().Channels[state.Red]
	if !red.On || red.Value != state.DefaultOnValue {
		t.Errorf("red = %+v, want on at %d", red, state.DefaultOnValue)
	}
	if err := l.Receive(remoteA, []byte{42}); !errors.Is(err, router.ErrUnknownCommand) {
		t.Errorf("unknown radio type err = %v, want ErrUnknownCommand", err)
	}
}

func TestReadLoopDispatches(t *testing.T) {
	rt := newTestRouter(t, state.Peer{Name: "remote", Address: remoteA})
	pr, pw := io.Pipe()
	l := NewLink(pr, rt, newTestLogger())

	results := make(chan error, 4)
	l.OnPacket = func(_ Packet, err error) { results <- err }
	l.Start()
	defer l.Close()

	go func() {
		pw.Write(mustEncode(t, Packet{From: remoteB, Payload: []byte{byte(protocol.RadioTurnOnAll)}}))
		pw.Write(mustEncode(t, Packet{From: remoteA, Payload: []byte{byte(protocol.RadioTurnOnAll)}}))
	}()

	for i, want := range []error{router.ErrUnauthorizedPeer, nil} {
		select {
		case err := <-results:
			if !errors.Is(err, want) {
				t.Errorf("packet %d err = %v, want %v", i, err, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
	if !rt.Registry().Output().AnyVisible() {
		t.Error("output not turned on by the allowed remote")
	}
}

func TestCloseStopsReadLoop(t *testing.T) {
	rt := newTestRouter(t)
	pr, _ := io.Pipe()
	l := NewLink(pr, rt, newTestLogger())
	l.Start()

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
