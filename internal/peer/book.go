package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	peersBucket    = "peers"
	versionKey     = "version"
	bookVersion    = 0
)

// Book persists registry entries between runs. It only seeds the peer
// list; channels never consult it.
type Book struct {
	db *bolt.DB
}

type bookRecord struct {
	Username  string `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint,omitempty"`
	LastSeen  int64  `cbor:"3,keyasint"`
}

func OpenBook(f string) (*Book, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(peersBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != bookVersion {
				return fmt.Errorf("peer: incompatible book version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{bookVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Book{db: db}, nil
}

// Save writes peers, replacing entries with the same address.
func (b *Book) Save(peers []Peer) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		for _, p := range peers {
			if !p.Addr.IsValid() {
				continue
			}
			raw, err := cbor.Marshal(bookRecord{
				Username:  p.Username,
				PublicKey: p.PublicKey,
				LastSeen:  p.LastSeen.Unix(),
			})
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(p.Addr.Unmap().String()), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every stored peer. Malformed entries are skipped.
func (b *Book) Load() ([]Peer, error) {
	var out []Peer
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		if bkt == nil {
			return errors.New("peer: missing peers bucket")
		}
		return bkt.ForEach(func(k, v []byte) error {
			addr, err := netip.ParseAddr(string(k))
			if err != nil {
				return nil
			}
			var rec bookRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, Peer{
				Addr:      addr,
				Username:  rec.Username,
				PublicKey: rec.PublicKey,
				LastSeen:  time.Unix(rec.LastSeen, 0),
			})
			return nil
		})
	})
	return out, err
}

func (b *Book) Close() error {
	return b.db.Close()
}
