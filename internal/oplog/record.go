package oplog

import (
	"encoding/binary"
	"errors"
	"io"
	"slices"

	"github.com/hupe1980/docindex/internal/hash"
	"github.com/hupe1980/docindex/model"
)

var (
	ErrInvalidCRC     = errors.New("invalid operation record checksum")
	ErrInvalidKind    = errors.New("invalid operation record kind")
	ErrShortRead      = errors.New("short read in operation record")
	ErrRecordTooLarge = errors.New("operation record too large")
)

const (
	headerSize    = 1 + 8 + 4
	maxRecordSize = 64 << 20
)

// Record is one accepted mutation.
type Record struct {
	Kind      model.OpKind
	PK        string
	Timestamp int64
	// Ref is the document the operation produced (ADD) or targeted
	// (UPDATE, DELETE) when it was applied.
	Ref     model.DocRef
	Locator model.Locator
	Fields  map[string]string
}

func (r *Record) payloadSize() int {
	n := 4 + len(r.PK) + 4 + 4 + 8 + 8 + 4
	for k, v := range r.Fields {
		n += 8 + len(k) + len(v)
	}
	return n
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return 4 + headerSize + r.payloadSize()
}

// Encode writes the record to w.
// Format:
// [CRC32: 4] [Kind: 1] [Timestamp: 8] [Length: 4] [Payload: Length]
// Payload: [PKLen: 4] [PK] [Segment: 4] [Doc: 4] [LocSrc: 8] [LocOffset: 8]
// [FieldCount: 4] ([KeyLen: 4] [Key] [ValLen: 4] [Val])*
func (r *Record) Encode(w io.Writer) error {
	payload := make([]byte, 0, r.payloadSize())
	payload = appendString(payload, r.PK)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(r.Ref.Segment))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(r.Ref.Doc))
	payload = binary.LittleEndian.AppendUint64(payload, r.Locator.Src)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(r.Locator.Offset))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(r.Fields)))
	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		payload = appendString(payload, k)
		payload = appendString(payload, r.Fields[k])
	}

	header := make([]byte, headerSize)
	header[0] = byte(r.Kind)
	binary.LittleEndian.PutUint64(header[1:], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(header[9:], uint32(len(payload)))

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], hash.CRC32C(header, payload))
	if _, err := w.Write(sum[:]); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Decode reads one record from r. It returns io.EOF at a clean end.
func Decode(r io.Reader) (*Record, error) {
	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, err
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, ErrShortRead
	}
	length := binary.LittleEndian.Uint32(header[9:])
	if length > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrShortRead
	}

	if hash.CRC32C(header, payload) != binary.LittleEndian.Uint32(sum[:]) {
		return nil, ErrInvalidCRC
	}

	rec := &Record{
		Kind:      model.OpKind(header[0]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[1:])),
	}
	if !rec.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if err := parsePayload(payload, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func readString(p []byte, off int) (string, int, error) {
	if len(p) < off+4 {
		return "", 0, ErrShortRead
	}
	n := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if len(p) < off+n {
		return "", 0, ErrShortRead
	}
	return string(p[off : off+n]), off + n, nil
}

func parsePayload(p []byte, rec *Record) error {
	pk, off, err := readString(p, 0)
	if err != nil {
		return err
	}
	rec.PK = pk

	if len(p) < off+28 {
		return ErrShortRead
	}
	rec.Ref.Segment = model.SegmentID(binary.LittleEndian.Uint32(p[off:]))
	rec.Ref.Doc = model.DocID(binary.LittleEndian.Uint32(p[off+4:]))
	rec.Locator.Src = binary.LittleEndian.Uint64(p[off+8:])
	rec.Locator.Offset = int64(binary.LittleEndian.Uint64(p[off+16:]))
	count := int(binary.LittleEndian.Uint32(p[off+24:]))
	off += 28

	if count == 0 {
		return nil
	}
	rec.Fields = make(map[string]string, count)
	for range count {
		var k, v string
		if k, off, err = readString(p, off); err != nil {
			return err
		}
		if v, off, err = readString(p, off); err != nil {
			return err
		}
		rec.Fields[k] = v
	}
	return nil
}
