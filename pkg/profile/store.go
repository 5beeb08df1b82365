package profile

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/types"
)

var (
	blockPrefix = []byte("tb/")
	blockEnd    = []byte("tb0") // '0' follows '/'
	metaKey     = []byte("meta")
)

const (
	blockKeyLen   = 3 + 8 + 4
	recordLen     = 8 + 8 + 8 + 4 + 8 + 32
	metaLen       = 16 + 8 + 8
	formatVersion = 1
)

// Meta identifies the run that saved a profile.
type Meta struct {
	Session uuid.UUID
	Saved   time.Time
	Blocks  int
}

// Store persists block profiles in a pebble database.
type Store struct {
	db  *pebble.DB
	log *zap.Logger
}

// Options configure Open.
type Options struct {
	// FS overrides the filesystem; tests use vfs.NewMem().
	FS     vfs.FS
	Logger *zap.Logger
}

// Open opens or creates the profile database in dir.
func Open(dir string, opts Options) (*Store, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "opening profile store %s", dir)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.Named("profile")}, nil
}

func blockKey(pc uint64, flags types.Flags) []byte {
	k := make([]byte, 0, blockKeyLen)
	k = append(k, blockPrefix...)
	k = binary.BigEndian.AppendUint64(k, pc)
	return binary.BigEndian.AppendUint32(k, uint32(flags))
}

func encodeRecord(r Record) []byte {
	b := make([]byte, 0, recordLen)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.PhysPC))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Page2))
	b = binary.LittleEndian.AppendUint64(b, r.Execs)
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Size))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.NumInsns))
	return append(b, r.Hash[:]...)
}

func decodeRecord(key, val []byte) (Record, error) {
	if len(key) != blockKeyLen || len(val) != recordLen {
		return Record{}, errors.Newf("profile: malformed record %x", key)
	}
	r := Record{
		PC:       binary.BigEndian.Uint64(key[3:]),
		Flags:    types.Flags(binary.BigEndian.Uint32(key[11:])),
		PhysPC:   types.PhysAddr(binary.LittleEndian.Uint64(val[0:])),
		Page2:    types.PhysAddr(binary.LittleEndian.Uint64(val[8:])),
		Execs:    binary.LittleEndian.Uint64(val[16:]),
		Size:     int(binary.LittleEndian.Uint32(val[24:])),
		NumInsns: int(binary.LittleEndian.Uint64(val[28:])),
	}
	copy(r.Hash[:], val[36:])
	return r, nil
}

func encodeMeta(m Meta) []byte {
	b := make([]byte, 0, metaLen+1)
	b = append(b, formatVersion)
	b = append(b, m.Session[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(m.Saved.UnixNano()))
	return binary.LittleEndian.AppendUint64(b, uint64(m.Blocks))
}

func decodeMeta(b []byte) (Meta, error) {
	if len(b) != metaLen+1 || b[0] != formatVersion {
		return Meta{}, errors.Newf("profile: unsupported format")
	}
	var m Meta
	copy(m.Session[:], b[1:17])
	m.Saved = time.Unix(0, int64(binary.LittleEndian.Uint64(b[17:])))
	m.Blocks = int(binary.LittleEndian.Uint64(b[25:]))
	return m, nil
}

// Save replaces the stored profile with recs in one batch.
func (s *Store) Save(session uuid.UUID, recs []Record) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(blockPrefix, blockEnd, nil); err != nil {
		return err
	}
	for _, r := range recs {
		if err := batch.Set(blockKey(r.PC, r.Flags), encodeRecord(r), nil); err != nil {
			return err
		}
	}
	meta := Meta{Session: session, Saved: time.Now(), Blocks: len(recs)}
	if err := batch.Set(metaKey, encodeMeta(meta), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "saving profile")
	}
	s.log.Info("saved profile", zap.Stringer("session", session), zap.Int("blocks", len(recs)))
	return nil
}

// Meta returns the description of the stored profile. ok is false when
// nothing was saved yet.
func (s *Store) Meta() (m Meta, ok bool, err error) {
	val, closer, err := s.db.Get(metaKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	defer closer.Close()
	m, err = decodeMeta(val)
	return m, err == nil, err
}

// Load returns the stored records in key order.
func (s *Store) Load() ([]Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: blockPrefix, UpperBound: blockEnd})
	if err != nil {
		return nil, err
	}
	var recs []Record
	for it.First(); it.Valid(); it.Next() {
		r, err := decodeRecord(it.Key(), it.Value())
		if err != nil {
			it.Close()
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, it.Close()
}

func (s *Store) Close() error { return s.db.Close() }
