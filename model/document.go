package model

import "fmt"

// OpKind is the operation carried by a document.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpUpdate
	OpDelete
	OpSkip
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSkip:
		return "skip"
	default:
		return fmt.Sprintf("opkind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known operation.
func (k OpKind) Valid() bool {
	return k >= OpAdd && k <= OpSkip
}

// Document is a single operation from the upstream document source.
type Document struct {
	Kind      OpKind            `json:"kind"`
	PK        string            `json:"pk"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp int64             `json:"ts"`
	Locator   Locator           `json:"locator"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Fields != nil {
		c.Fields = make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// ApplyPatch overwrites fields with the patch values.
func (d *Document) ApplyPatch(patch map[string]string) {
	if len(patch) == 0 {
		return
	}
	if d.Fields == nil {
		d.Fields = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		d.Fields[k] = v
	}
}

// MemoryFootprint estimates the in-memory size of the document in bytes.
func (d *Document) MemoryFootprint() int64 {
	size := int64(64 + len(d.PK))
	for k, v := range d.Fields {
		size += int64(len(k) + len(v) + 32)
	}
	return size
}

// Locator is a durable cursor into the upstream document source.
type Locator struct {
	Src    uint64 `json:"src"`
	Offset int64  `json:"offset"`
}

// IsZero reports whether no position has been recorded.
func (l Locator) IsZero() bool {
	return l.Src == 0 && l.Offset == 0
}

// IsFasterThan reports whether l points past o. Locators of different
// sources are not comparable and l is then considered newer.
func (l Locator) IsFasterThan(o Locator) bool {
	if l.Src != o.Src {
		return true
	}
	return l.Offset > o.Offset
}

// Max returns the newer of two locators of the same source, or o when the
// sources differ.
func (l Locator) Max(o Locator) Locator {
	if l.Src != o.Src || o.Offset > l.Offset {
		return o
	}
	return l
}

func (l Locator) String() string {
	return fmt.Sprintf("%d:%d", l.Src, l.Offset)
}
