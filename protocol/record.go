package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/ttclient/limits"
)

var (
	// ErrEmptyRecord is returned when a frame contains no verb.
	ErrEmptyRecord = errors.New("empty record")
	// ErrMalformedRecord is returned when a frame cannot be tokenized.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrMissingField is returned when a required key is absent.
	ErrMissingField = errors.New("missing field")
)

type valueKind uint8

const (
	kindInt valueKind = iota + 1
	kindString
	kindList
)

type value struct {
	kind valueKind
	i    int64
	s    string
	list []int64
}

// Record is one control message: a verb followed by key/value pairs.
// Keys keep their insertion order when encoded.
type Record struct {
	Verb   string
	keys   []string
	values map[string]value
}

// NewRecord creates an empty record with the given verb.
func NewRecord(verb string) *Record {
	return &Record{Verb: verb, values: make(map[string]value)}
}

func (r *Record) put(key string, v value) *Record {
	if r.values == nil {
		r.values = make(map[string]value)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
	return r
}

// SetInt stores an integer field.
func (r *Record) SetInt(key string, v int64) *Record {
	return r.put(key, value{kind: kindInt, i: v})
}

// SetBool stores a boolean as 0 or 1.
func (r *Record) SetBool(key string, v bool) *Record {
	if v {
		return r.SetInt(key, 1)
	}
	return r.SetInt(key, 0)
}

// SetString stores a string field.
func (r *Record) SetString(key, v string) *Record {
	return r.put(key, value{kind: kindString, s: v})
}

// SetList stores an integer list field.
func (r *Record) SetList(key string, v []int64) *Record {
	return r.put(key, value{kind: kindList, list: append([]int64(nil), v...)})
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// LookupInt returns an integer field. Strings holding a decimal are accepted.
func (r *Record) LookupInt(key string) (int64, bool) {
	v, ok := r.values[key]
	if !ok {
		return 0, false
	}
	switch v.kind {
	case kindInt:
		return v.i, true
	case kindString:
		n, err := strconv.ParseInt(v.s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Int returns an integer field or 0.
func (r *Record) Int(key string) int64 {
	n, _ := r.LookupInt(key)
	return n
}

// Bool returns true when the integer field is non-zero.
func (r *Record) Bool(key string) bool {
	return r.Int(key) != 0
}

// LookupText returns a string field. Integers are formatted in decimal.
func (r *Record) LookupText(key string) (string, bool) {
	v, ok := r.values[key]
	if !ok {
		return "", false
	}
	switch v.kind {
	case kindString:
		return v.s, true
	case kindInt:
		return strconv.FormatInt(v.i, 10), true
	}
	return "", false
}

// Text returns a string field or "".
func (r *Record) Text(key string) string {
	s, _ := r.LookupText(key)
	return s
}

// LookupList returns an integer list field. A single integer is returned as
// a one element list.
func (r *Record) LookupList(key string) ([]int64, bool) {
	v, ok := r.values[key]
	if !ok {
		return nil, false
	}
	switch v.kind {
	case kindList:
		return append([]int64(nil), v.list...), true
	case kindInt:
		return []int64{v.i}, true
	}
	return nil, false
}

// List returns an integer list field or nil.
func (r *Record) List(key string) []int64 {
	l, _ := r.LookupList(key)
	return l
}

// Require checks that every key is present.
func (r *Record) Require(keys ...string) error {
	for _, k := range keys {
		if !r.Has(k) {
			return fmt.Errorf("%s: %w: %s", r.Verb, ErrMissingField, k)
		}
	}
	return nil
}

// Encode renders the record in its textual wire form.
func (r *Record) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(r.Verb)
	for _, k := range r.keys {
		v := r.values[k]
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		switch v.kind {
		case kindInt:
			b.WriteString(strconv.FormatInt(v.i, 10))
		case kindString:
			writeQuoted(&b, v.s)
		case kindList:
			b.WriteByte('[')
			for i, n := range v.list {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(strconv.FormatInt(n, 10))
			}
			b.WriteByte(']')
		}
	}
	return b.Bytes()
}

// String renders the record in wire form.
func (r *Record) String() string {
	return string(r.Encode())
}

func writeQuoted(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Decode parses one record from its textual wire form.
func Decode(data []byte) (*Record, error) {
	if err := limits.ValidateProcessingBuffer(data); errors.Is(err, limits.ErrMessageTooLarge) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	p := parser{src: string(data)}
	p.skipSpace()
	verb := p.ident()
	if verb == "" {
		if p.eof() {
			return nil, ErrEmptyRecord
		}
		return nil, p.errorf("expected verb")
	}
	rec := NewRecord(verb)

	for {
		p.skipSpace()
		if p.eof() {
			return rec, nil
		}
		key := p.ident()
		if key == "" {
			return nil, p.errorf("expected key")
		}
		if !p.consume('=') {
			return nil, p.errorf("expected '=' after %q", key)
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		rec.put(key, v)
	}
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedRecord, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\r' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) consume(c byte) bool {
	if !p.eof() && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) value() (value, error) {
	if p.eof() {
		return value{}, p.errorf("missing value")
	}
	switch p.src[p.pos] {
	case '"':
		s, err := p.quoted()
		return value{kind: kindString, s: s}, err
	case '[':
		l, err := p.list()
		return value{kind: kindList, list: l}, err
	}
	n, err := p.integer()
	return value{kind: kindInt, i: n}, err
}

func (p *parser) quoted() (string, error) {
	p.pos++
	var sb strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		p.pos++
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated escape")
			}
			e := p.src[p.pos]
			p.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case '"', '\\':
				sb.WriteByte(e)
			default:
				return "", p.errorf("unknown escape \\%c", e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) integer() (int64, error) {
	start := p.pos
	if !p.eof() && (p.src[p.pos] == '-' || p.src[p.pos] == '+') {
		p.pos++
	}
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
	if err != nil {
		p.pos = start
		return 0, p.errorf("invalid integer")
	}
	return n, nil
}

func (p *parser) list() ([]int64, error) {
	p.pos++
	out := []int64{}
	p.skipSpace()
	if p.consume(']') {
		return out, nil
	}
	for {
		p.skipSpace()
		n, err := p.integer()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		p.skipSpace()
		if p.consume(']') {
			return out, nil
		}
		if !p.consume(',') {
			return nil, p.errorf("expected ',' or ']' in list")
		}
	}
}
