package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/limits"
)

func TestRecordEncodeDecode(t *testing.T) {
	rec := NewRecord(VerbJoin).
		SetInt(FieldID, 4).
		SetInt(FieldChannelID, 5).
		SetString(FieldPassword, `se"cr\et`+"\nline").
		SetList("operators", []int64{1, -2, 3}).
		SetList("empty", nil)

	wire := rec.Encode()
	assert.Equal(t, `join id=4 chanid=5 password="se\"cr\\et\nline" operators=[1,-2,3] empty=[]`, string(wire))

	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, VerbJoin, got.Verb)
	assert.Equal(t, uint32(4), CommandID(got))
	assert.Equal(t, int64(5), got.Int(FieldChannelID))
	assert.Equal(t, "se\"cr\\et\nline", got.Text(FieldPassword))
	assert.Equal(t, []int64{1, -2, 3}, got.List("operators"))
	assert.Empty(t, got.List("empty"))
	assert.Equal(t, rec.Keys(), got.Keys())
}

func TestRecordDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyRecord},
		{"blank", "   ", ErrEmptyRecord},
		{"missing equals", "ok id", ErrMalformedRecord},
		{"missing value", "ok id=", ErrMalformedRecord},
		{"bad integer", "ok id=abc", ErrMalformedRecord},
		{"unterminated string", `error message="oops`, ErrMalformedRecord},
		{"unknown escape", `error message="\q"`, ErrMalformedRecord},
		{"unterminated list", "ok ids=[1,2", ErrMalformedRecord},
		{"bad list separator", "ok ids=[1;2]", ErrMalformedRecord},
		{"bad verb", "=x", ErrMalformedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRecordDecodeRejectsHugeInput(t *testing.T) {
	huge := append([]byte("message content="), bytes.Repeat([]byte("a"), limits.MaxProcessingBuffer)...)
	_, err := Decode(huge)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestRecordLookupCoercion(t *testing.T) {
	rec, err := Decode([]byte(`x n=12 s="34" l=[5] word="abc"`))
	require.NoError(t, err)

	n, ok := rec.LookupInt("s")
	assert.True(t, ok)
	assert.Equal(t, int64(34), n)

	_, ok = rec.LookupInt("word")
	assert.False(t, ok)

	assert.Equal(t, "12", rec.Text("n"))
	assert.Equal(t, []int64{12}, rec.List("n"))
	assert.Equal(t, []int64{5}, rec.List("l"))

	_, ok = rec.LookupInt("absent")
	assert.False(t, ok)
	assert.Zero(t, rec.Int("absent"))
	assert.False(t, rec.Bool("absent"))
}

func TestRecordOverwriteKeepsOrder(t *testing.T) {
	rec := NewRecord("x").SetInt("a", 1).SetInt("b", 2).SetInt("a", 3)
	assert.Equal(t, []string{"a", "b"}, rec.Keys())
	assert.Equal(t, "x a=3 b=2", rec.String())
}

func TestRecordRequire(t *testing.T) {
	rec := NewRecord(VerbError).SetInt(FieldNumber, 2001)
	assert.NoError(t, rec.Require(FieldNumber))
	err := rec.Require(FieldNumber, FieldID)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), FieldID)
}

func TestMoreFlag(t *testing.T) {
	rec, err := Decode([]byte("useraccount username=\"a\" id=9 more=1"))
	require.NoError(t, err)
	assert.True(t, More(rec))
	assert.Equal(t, uint32(9), CommandID(rec))

	rec.SetBool(FieldMore, false)
	assert.False(t, More(rec))
}
