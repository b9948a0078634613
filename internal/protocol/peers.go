package protocol

import (
	"fmt"

	"rgbw-ctrl/internal/state"
)

// AppendPeerRecords appends the packed records of l (no count byte).
func AppendPeerRecords(b []byte, l state.PeerList) []byte {
	for i := 0; i < l.Len(); i++ {
		p := l.At(i)
		b = appendCString(b, p.Name, peerNameSize)
		b = append(b, p.Address[:]...)
	}
	return b
}

// EncodePeerList returns the count-prefixed allow-list buffer.
func EncodePeerList(l state.PeerList) []byte {
	return Payload(PeerList{Peers: l})
}

// DecodePeerList parses a count-prefixed allow-list buffer.
func DecodePeerList(buf []byte) (state.PeerList, error) {
	m, err := decodePeerList(buf)
	if err != nil {
		return state.PeerList{}, err
	}
	return m.(PeerList).Peers, nil
}

func decodePeerList(p []byte) (Message, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: peer list missing count", ErrMalformedPayload)
	}
	n := int(p[0])
	if want := 1 + n*PeerRecordSize; len(p) != want {
		return nil, fmt.Errorf("%w: peer list of %d is %d bytes, want %d", ErrMalformedPayload, n, len(p), want)
	}
	l, err := DecodePeerRecords(p[1:], n)
	if err != nil {
		return nil, err
	}
	return PeerList{Peers: l}, nil
}

// DecodePeerRecords parses n packed records from data.
func DecodePeerRecords(data []byte, n int) (state.PeerList, error) {
	if n > state.MaxPeers {
		return state.PeerList{}, fmt.Errorf("%w: %d peers, max %d", state.ErrInvalidValue, n, state.MaxPeers)
	}
	if len(data) != n*PeerRecordSize {
		return state.PeerList{}, fmt.Errorf("%w: %d peer records in %d bytes", ErrMalformedPayload, n, len(data))
	}
	peers := make([]state.Peer, n)
	for i := range peers {
		rec := data[i*PeerRecordSize : (i+1)*PeerRecordSize]
		name, err := cString(rec[:peerNameSize], "peer name")
		if err != nil {
			return state.PeerList{}, err
		}
		peers[i].Name = name
		copy(peers[i].Address[:], rec[peerNameSize:])
	}
	return state.NewPeerList(peers...)
}
