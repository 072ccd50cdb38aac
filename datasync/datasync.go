package datasync

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// core identity and data shapes for the Reloop client data layer.
// every piece of server-derived state that flows through the cache is
// normalized to one of the canonical shapes here (*Record, *RecordList)
// so patches can be applied uniformly across every entry that embeds
// an entity, without key-specific special cases.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(ulid.ULID(*self).String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// identifies one entity across every cache entry that embeds it.
// an entity is either local (created optimistically, not yet acknowledged
// by the server) or persisted (has a server-assigned id). the two variants
// are explicit rather than encoded in the numeric id space, so a local
// record can never collide with a server record.
// comparable
type EntityRef struct {
	Kind     string
	LocalId  Id
	ServerId int64
}

func NewLocalRef(kind string) EntityRef {
	return EntityRef{
		Kind:    kind,
		LocalId: NewId(),
	}
}

func NewPersistedRef(kind string, serverId int64) EntityRef {
	return EntityRef{
		Kind:     kind,
		ServerId: serverId,
	}
}

func (self EntityRef) IsLocal() bool {
	return self.LocalId != Id{}
}

func (self EntityRef) IsZero() bool {
	return self == EntityRef{}
}

func (self EntityRef) String() string {
	if self.IsLocal() {
		return fmt.Sprintf("%s/local(%s)", self.Kind, self.LocalId)
	}
	return fmt.Sprintf("%s/%d", self.Kind, self.ServerId)
}

// structural identifier for a cached result set,
// e.g. NewQueryKey("posts", "list", "trending") or NewQueryKey("posts", "detail", 42).
// two keys are equal iff every part compares equal in order. this is the only
// addressing mechanism for the cache.
type QueryKey struct {
	parts []any
}

func NewQueryKey(parts ...any) QueryKey {
	normalized := make([]any, len(parts))
	for i, part := range parts {
		normalized[i] = normalizeKeyPart(part)
	}
	return QueryKey{
		parts: normalized,
	}
}

// key parts are strings or ints. normalize the int widths so that
// NewQueryKey("posts", int32(42)) and NewQueryKey("posts", 42) are one key.
func normalizeKeyPart(part any) any {
	switch v := part.(type) {
	case string:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case Id:
		return v.String()
	default:
		panic(fmt.Sprintf("unsupported query key part type %T", part))
	}
}

func (self QueryKey) Len() int {
	return len(self.parts)
}

func (self QueryKey) Parts() []any {
	out := make([]any, len(self.parts))
	copy(out, self.parts)
	return out
}

func (self QueryKey) IsZero() bool {
	return len(self.parts) == 0
}

func (self QueryKey) Equal(other QueryKey) bool {
	if len(self.parts) != len(other.parts) {
		return false
	}
	for i := range self.parts {
		if self.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}

func (self QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(self.parts) < len(prefix.parts) {
		return false
	}
	for i := range prefix.parts {
		if self.parts[i] != prefix.parts[i] {
			return false
		}
	}
	return true
}

func (self QueryKey) String() string {
	parts := make([]string, len(self.parts))
	for i, part := range self.parts {
		parts[i] = fmt.Sprintf("%v", part)
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}

// canonical form used as the map address inside the cache.
// the type marker keeps "42" and 42 distinct.
func (self QueryKey) canonical() string {
	var buff bytes.Buffer
	for i, part := range self.parts {
		if 0 < i {
			buff.WriteByte(0x1f)
		}
		switch v := part.(type) {
		case string:
			buff.WriteByte('s')
			buff.WriteString(v)
		case int64:
			buff.WriteByte('i')
			fmt.Fprintf(&buff, "%d", v)
		}
	}
	return buff.String()
}

// canonical denormalized entity state as it appears inside cache entries.
// a record is immutable once stored. patches copy, never mutate in place.
type Record struct {
	Ref    EntityRef
	Fields map[string]any
}

func NewRecord(ref EntityRef, fields map[string]any) *Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Record{
		Ref:    ref,
		Fields: fields,
	}
}

func (self *Record) Clone() *Record {
	return &Record{
		Ref:    self.Ref,
		Fields: cloneFields(self.Fields),
	}
}

// copy-on-write field set
func (self *Record) With(name string, value any) *Record {
	next := self.Clone()
	next.Fields[name] = value
	return next
}

// copy-on-write ref replacement, used when a local record settles
// into its persisted identity
func (self *Record) WithRef(ref EntityRef) *Record {
	next := self.Clone()
	next.Ref = ref
	return next
}

func (self *Record) Int(name string) int64 {
	switch v := self.Fields[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (self *Record) Bool(name string) bool {
	v, _ := self.Fields[name].(bool)
	return v
}

func (self *Record) String_(name string) string {
	v, _ := self.Fields[name].(string)
	return v
}

// ordered result set for a list query. pages accumulate into one sequence
// for infinite-scroll consumers.
type RecordList struct {
	Records  []*Record
	LastPage int
	HasNext  bool
}

func NewRecordList(records ...*Record) *RecordList {
	return &RecordList{
		Records: records,
	}
}

func (self *RecordList) Clone() *RecordList {
	records := make([]*Record, len(self.Records))
	for i, record := range self.Records {
		records[i] = record.Clone()
	}
	return &RecordList{
		Records:  records,
		LastPage: self.LastPage,
		HasNext:  self.HasNext,
	}
}

func (self *RecordList) Contains(ref EntityRef) bool {
	for _, record := range self.Records {
		if record.Ref == ref {
			return true
		}
	}
	return false
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// scalars are immutable
		return v
	}
}

// deep copy of canonical entry data for snapshots.
// non-canonical data is passed through unchanged.
func cloneData(data any) any {
	switch v := data.(type) {
	case nil:
		return nil
	case *Record:
		return v.Clone()
	case *RecordList:
		return v.Clone()
	default:
		return v
	}
}
