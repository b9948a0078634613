package state

import (
	"errors"
	"strings"
	"testing"
)

func TestNewPeerListValidation(t *testing.T) {
	a := Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	b := Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02}

	tests := []struct {
		name    string
		peers   []Peer
		wantErr bool
	}{
		{"empty", nil, false},
		{"two", []Peer{{Name: "a", Address: a}, {Name: "b", Address: b}}, false},
		{"duplicate address", []Peer{{Name: "a", Address: a}, {Name: "b", Address: a}}, true},
		{"long name", []Peer{{Name: strings.Repeat("x", MaxPeerNameLen+1), Address: a}}, true},
		{"too many", make([]Peer, MaxPeers+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewPeerList(tt.peers...)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Errorf("err = %v, want ErrInvalidValue", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if l.Len() != len(tt.peers) {
				t.Errorf("len = %d, want %d", l.Len(), len(tt.peers))
			}
		})
	}
}

func TestPeerListLookup(t *testing.T) {
	a := Address{1, 2, 3, 4, 5, 6}
	l, err := NewPeerList(Peer{Name: "hall", Address: a})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Contains(a) {
		t.Error("Contains(a) = false")
	}
	if l.Contains(Address{}) {
		t.Error("Contains(zero) = true")
	}
	if p, ok := l.FindByName("hall"); !ok || p.Address != a {
		t.Errorf("FindByName = %+v, %v", p, ok)
	}
	if _, ok := (PeerList{}).Find(a); ok {
		t.Error("empty list found a peer")
	}
}

func TestPeerListComparable(t *testing.T) {
	a, _ := NewPeerList(Peer{Name: "x", Address: Address{1}})
	b, _ := NewPeerList(Peer{Name: "x", Address: Address{1}})
	c, _ := NewPeerList(Peer{Name: "y", Address: Address{1}})
	if a != b {
		t.Error("equal lists compare unequal")
	}
	if a == c {
		t.Error("different lists compare equal")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address{0x24, 0x6F, 0x28, 0xAB, 0xCD, 0xEF}
	s := a.String()
	if s != "24:6F:28:AB:CD:EF" {
		t.Errorf("String() = %q", s)
	}
	got, err := ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Errorf("ParseAddress = %v, want %v", got, a)
	}
	if _, err := ParseAddress("24:6F"); err == nil {
		t.Error("short address accepted")
	}
	if _, err := ParseAddress("zz6f28abcdef"); err == nil {
		t.Error("non-hex address accepted")
	}
}

func TestIntegrationActiveNames(t *testing.T) {
	s := IntegrationSettings{Mode: IntegrationRGB, Names: [ChannelCount]string{"strip", "x", "y", "white"}}
	got := s.ActiveNames()
	if len(got) != 2 || got[0] != "strip" || got[1] != "white" {
		t.Errorf("ActiveNames = %v", got)
	}
	if n := (IntegrationSettings{}).ActiveNames(); len(n) != 0 {
		t.Errorf("off mode names = %v", n)
	}
}

func TestDefaultDeviceName(t *testing.T) {
	got := DefaultDeviceName(Address{0, 0, 0, 0xAB, 0x01, 0xFF})
	if got != "rgbw-ctrl-ab01ff" {
		t.Errorf("DefaultDeviceName = %q", got)
	}
}

func TestGenerateCredentials(t *testing.T) {
	c, err := GenerateCredentials(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Username != DefaultUsername {
		t.Errorf("username = %q", c.Username)
	}
	if len(c.Password) != 15 || !strings.Contains(c.Password, "A-b") {
		t.Errorf("password = %q", c.Password)
	}
}
