package record

import (
	"time"

	"go.dedis.ch/egtally"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when a record is not in the store.
var ErrNotFound = xerrors.New("record not found")

// ErrExists is returned when a published record would be overwritten.
var ErrExists = xerrors.New("record already published")

var (
	bucketElections = []byte("elections")
	bucketTallies   = []byte("tallies")
	bucketResults   = []byte("results")
)

// Store keeps the published records in a bbolt database. Records are
// write-once.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "opening record database")
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore uses an already open database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketElections, bucketTallies, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, egtally.ErrorOrNil(err, "creating buckets")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutElection publishes the outcome of a ceremony.
func (s *Store) PutElection(e *ElectionInitialized) error {
	return s.put(bucketElections, e.ID, e)
}

// GetElection returns the ceremony outcome with the given identifier.
func (s *Store) GetElection(id []byte) (*ElectionInitialized, error) {
	e := &ElectionInitialized{}
	return e, s.get(bucketElections, id, e)
}

// Elections returns all the published ceremony outcomes.
func (s *Store) Elections() ([]*ElectionInitialized, error) {
	var es []*ElectionInitialized
	err := s.each(bucketElections, func(buf []byte) error {
		e := &ElectionInitialized{}
		if err := decode(buf, e); err != nil {
			return err
		}
		es = append(es, e)
		return nil
	})
	return es, err
}

// PutTally stores an encrypted tally.
func (s *Store) PutTally(t *EncryptedTally) error {
	return s.put(bucketTallies, []byte(t.ID), t)
}

// GetTally returns the encrypted tally with the given identifier.
func (s *Store) GetTally(id string) (*EncryptedTally, error) {
	t := &EncryptedTally{}
	return t, s.get(bucketTallies, []byte(id), t)
}

// Tallies returns all the encrypted tallies.
func (s *Store) Tallies() ([]*EncryptedTally, error) {
	var ts []*EncryptedTally
	err := s.each(bucketTallies, func(buf []byte) error {
		t := &EncryptedTally{}
		if err := decode(buf, t); err != nil {
			return err
		}
		ts = append(ts, t)
		return nil
	})
	return ts, err
}

// PutResult publishes a decryption.
func (s *Store) PutResult(r *DecryptionResult) error {
	return s.put(bucketResults, r.ID, r)
}

// GetResult returns the decryption with the given identifier.
func (s *Store) GetResult(id []byte) (*DecryptionResult, error) {
	r := &DecryptionResult{}
	return r, s.get(bucketResults, id, r)
}

// ResultsForTally returns the decryptions of a tally.
func (s *Store) ResultsForTally(tally string) ([]*DecryptionResult, error) {
	var rs []*DecryptionResult
	err := s.each(bucketResults, func(buf []byte) error {
		r := &DecryptionResult{}
		if err := decode(buf, r); err != nil {
			return err
		}
		if r.Tally == tally {
			rs = append(rs, r)
		}
		return nil
	})
	return rs, err
}

func (s *Store) put(bucket, key []byte, msg interface{}) error {
	if len(key) == 0 {
		return xerrors.New("empty record identifier")
	}
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return egtally.ErrorOrNil(err, "encoding record")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(key) != nil {
			return xerrors.Errorf("%s/%x: %w", bucket, key, ErrExists)
		}
		return b.Put(key, buf)
	})
}

func (s *Store) get(bucket, key []byte, msg interface{}) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucket).Get(key)
		if buf == nil {
			return xerrors.Errorf("%s/%x: %w", bucket, key, ErrNotFound)
		}
		return decode(buf, msg)
	})
}

func (s *Store) each(bucket []byte, f func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return f(v)
		})
	})
}

// Encode returns the stable binary form of a record.
func Encode(msg interface{}) ([]byte, error) {
	return protobuf.Encode(msg)
}

// Decode is the inverse of Encode.
func Decode(buf []byte, msg interface{}) error {
	return decode(buf, msg)
}

func decode(buf []byte, msg interface{}) error {
	err := protobuf.DecodeWithConstructors(buf, msg, network.DefaultConstructors(egtally.Suite))
	return egtally.ErrorOrNil(err, "decoding record")
}
