package dtx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxID(t *testing.T) {
	t.Run("string round trip", func(t *testing.T) {
		id := TxID{Originator: "client-1", Seq: 17}
		assert.Equal(t, "client-1/17", id.String())

		parsed, err := ParseTxID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("originator may contain slashes", func(t *testing.T) {
		parsed, err := ParseTxID("a/b/3")
		require.NoError(t, err)
		assert.Equal(t, TxID{Originator: "a/b", Seq: 3}, parsed)
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		for _, s := range []string{"", "17", "/17", "client/", "client/x"} {
			_, err := ParseTxID(s)
			assert.ErrorIs(t, err, ErrInvalidTxID, s)
		}
	})

	t.Run("zero value", func(t *testing.T) {
		assert.True(t, TxID{}.IsZero())
		assert.False(t, TxID{Seq: 1}.IsZero())
	})
}

func TestParticipantToken(t *testing.T) {
	assert.NoError(t, ParticipantID("p-1").ValidateToken())
	assert.Error(t, ParticipantID("").ValidateToken())
	assert.Error(t, ParticipantID("p.1").ValidateToken())
	assert.Error(t, ParticipantID("p*").ValidateToken())
	assert.Error(t, ParticipantID("p 1").ValidateToken())
}

func TestDescriptor(t *testing.T) {
	d := TxDescriptor{ID: TxID{Originator: "c", Seq: 1}, Participants: []ParticipantID{"a", "b"}}

	assert.True(t, d.Involves("a"))
	assert.False(t, d.Involves("f"))
	assert.True(t, d.Equal(TxDescriptor{ID: d.ID}))

	clone := d.Clone()
	clone.Participants[0] = "z"
	assert.Equal(t, ParticipantID("a"), d.Participants[0])
}

func TestLogRecordPersistence(t *testing.T) {
	rec := LogRecord{
		Desc:         TxDescriptor{ID: TxID{Originator: "c", Seq: 1}, Participants: []ParticipantID{"a", "b"}},
		PersistentOn: []ParticipantID{"a"},
	}
	assert.True(t, rec.PersistentFor("a"))
	assert.False(t, rec.FullyPersistent())

	rec.PersistentOn = append(rec.PersistentOn, "b")
	assert.True(t, rec.FullyPersistent())
}

func TestStreamID(t *testing.T) {
	s := EvictionStream("p-3")
	f, ok := s.Evicted()
	assert.True(t, ok)
	assert.Equal(t, ParticipantID("p-3"), f)

	_, ok = RecoveryStream.Evicted()
	assert.False(t, ok)
}

func TestMessageCodec(t *testing.T) {
	t.Run("redo", func(t *testing.T) {
		in := Message{
			From:   "p1",
			Stream: RecoveryStream,
			Redo: &RedoMessage{
				Desc:    TxDescriptor{ID: TxID{Originator: "c", Seq: 9}, Participants: []ParticipantID{"p1", "p2"}},
				Payload: []byte("body"),
			},
		}
		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("ack covers ids", func(t *testing.T) {
		ack := PersistentAck{TxIDs: []TxID{{Originator: "c", Seq: 1}, {Originator: "c", Seq: 2}}}
		assert.True(t, ack.Covers(TxID{Originator: "c", Seq: 2}))
		assert.False(t, ack.Covers(TxID{Originator: "c", Seq: 3}))
	})

	t.Run("rejects empty envelope", func(t *testing.T) {
		_, err := Decode([]byte(`{"from":"p1","stream":"recovery"}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("rejects missing sender", func(t *testing.T) {
		_, err := Decode([]byte(`{"stream":"recovery","bye":true}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}
