package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
)

// One bucket per namespace.
var (
	bucketDevice      = []byte("device-config")
	bucketPeers       = []byte("esp-now")
	bucketHTTP        = []byte("http")
	bucketIntegration = []byte("alexa-config")

	keyDeviceName  = []byte("deviceName")
	keyPeerCount   = []byte("devCount")
	keyPeerData    = []byte("devData")
	keyUsername    = []byte("u")
	keyPassword    = []byte("p")
	keyMode        = []byte("mode")
	integrationKey = [state.ChannelCount][]byte{[]byte("r"), []byte("g"), []byte("b"), []byte("w")}
)

var allBuckets = [][]byte{bucketDevice, bucketPeers, bucketHTTP, bucketIntegration}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, b := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}
	return nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// get copies the value out of the transaction.
func get(tx *bolt.Tx, name, key []byte) ([]byte, error) {
	b, err := bucket(tx, name)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, fmt.Errorf("%s/%s: %w", name, key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (s *BoltStore) SaveDeviceName(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevice)
		if err != nil {
			return err
		}
		return b.Put(keyDeviceName, []byte(name))
	})
}

func (s *BoltStore) LoadDeviceName() (string, error) {
	var name []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		name, err = get(tx, bucketDevice, keyDeviceName)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// SavePeers stores the allow-list as a count byte and the packed records.
func (s *BoltStore) SavePeers(peers state.PeerList) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPeers)
		if err != nil {
			return err
		}
		if err := b.Put(keyPeerCount, []byte{byte(peers.Len())}); err != nil {
			return err
		}
		return b.Put(keyPeerData, protocol.AppendPeerRecords(nil, peers))
	})
}

func (s *BoltStore) LoadPeers() (state.PeerList, error) {
	var count, data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		if count, err = get(tx, bucketPeers, keyPeerCount); err != nil {
			return err
		}
		b, err := bucket(tx, bucketPeers)
		if err != nil {
			return err
		}
		// An empty list may read back without data.
		data = append([]byte(nil), b.Get(keyPeerData)...)
		return nil
	})
	if err != nil {
		return state.PeerList{}, err
	}
	if len(count) != 1 {
		return state.PeerList{}, fmt.Errorf("peer count is %d bytes, want 1", len(count))
	}
	peers, err := protocol.DecodePeerRecords(data, int(count[0]))
	if err != nil {
		return state.PeerList{}, fmt.Errorf("decode peers: %w", err)
	}
	return peers, nil
}

func (s *BoltStore) SaveCredentials(c state.Credentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketHTTP)
		if err != nil {
			return err
		}
		if err := b.Put(keyUsername, []byte(c.Username)); err != nil {
			return err
		}
		return b.Put(keyPassword, []byte(c.Password))
	})
}

func (s *BoltStore) LoadCredentials() (state.Credentials, error) {
	var user, pass []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		if user, err = get(tx, bucketHTTP, keyUsername); err != nil {
			return err
		}
		pass, err = get(tx, bucketHTTP, keyPassword)
		return err
	})
	if err != nil {
		return state.Credentials{}, err
	}
	return state.Credentials{Username: string(user), Password: string(pass)}, nil
}

func (s *BoltStore) SaveIntegration(settings state.IntegrationSettings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketIntegration)
		if err != nil {
			return err
		}
		if err := b.Put(keyMode, []byte{byte(settings.Mode)}); err != nil {
			return err
		}
		for i, name := range settings.Names {
			if err := b.Put(integrationKey[i], []byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadIntegration() (state.IntegrationSettings, error) {
	var settings state.IntegrationSettings
	err := s.db.View(func(tx *bolt.Tx) error {
		mode, err := get(tx, bucketIntegration, keyMode)
		if err != nil {
			return err
		}
		if len(mode) != 1 || !state.IntegrationMode(mode[0]).Valid() {
			return fmt.Errorf("invalid stored integration mode % x", mode)
		}
		settings.Mode = state.IntegrationMode(mode[0])
		b, err := bucket(tx, bucketIntegration)
		if err != nil {
			return err
		}
		// Empty names may read back as missing keys.
		for i := range settings.Names {
			settings.Names[i] = string(b.Get(integrationKey[i]))
		}
		return nil
	})
	if err != nil {
		return state.IntegrationSettings{}, err
	}
	return settings, nil
}

// Wipe drops and recreates every bucket in one transaction.
func (s *BoltStore) Wipe() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("delete bucket %q: %w", b, err)
			}
		}
		return createBuckets(tx)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
