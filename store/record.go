package store

import "encoding/binary"

// Key layout: two records per user key, co-located by prefix so a
// range scan over M/ alone is enough to reconstruct disk usage and
// eviction order without ever touching D/.
const (
	dataPrefix = "D/"
	metaPrefix = "M/"
)

func dataKey(userKey string) []byte { return append([]byte(dataPrefix), userKey...) }
func metaKey(userKey string) []byte { return append([]byte(metaPrefix), userKey...) }

func userKeyFromMeta(metaKey []byte) string { return string(metaKey[len(metaPrefix):]) }

// metaRecord is the fixed-layout M/<key> record: flags:u32, cas:u64,
// created_at:u64, last_access:u64, expiry:u64 (0 = never), raw_size:u32,
// stored_size:u32. Little-endian, no padding, 44 bytes.
type metaRecord struct {
	Flags      uint32
	Cas        uint64
	CreatedAt  int64
	LastAccess int64
	Expiry     int64
	RawSize    uint32
	StoredSize uint32
}

const metaRecordSize = 4 + 8 + 8 + 8 + 8 + 4 + 4

func (m metaRecord) encode() []byte {
	buf := make([]byte, metaRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Flags)
	binary.LittleEndian.PutUint64(buf[4:12], m.Cas)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.CreatedAt))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(m.LastAccess))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(m.Expiry))
	binary.LittleEndian.PutUint32(buf[36:40], m.RawSize)
	binary.LittleEndian.PutUint32(buf[40:44], m.StoredSize)
	return buf
}

func decodeMetaRecord(buf []byte) (metaRecord, error) {
	if len(buf) != metaRecordSize {
		return metaRecord{}, ErrCorruptMeta
	}
	return metaRecord{
		Flags:      binary.LittleEndian.Uint32(buf[0:4]),
		Cas:        binary.LittleEndian.Uint64(buf[4:12]),
		CreatedAt:  int64(binary.LittleEndian.Uint64(buf[12:20])),
		LastAccess: int64(binary.LittleEndian.Uint64(buf[20:28])),
		Expiry:     int64(binary.LittleEndian.Uint64(buf[28:36])),
		RawSize:    binary.LittleEndian.Uint32(buf[36:40]),
		StoredSize: binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}

func (m metaRecord) expired(now int64) bool {
	return m.Expiry != 0 && m.Expiry <= now
}
