package kmer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncoder(t *testing.T) {
	tests := []struct {
		name    string
		k       int
		m       uint64
		h       int
		wantErr bool
	}{
		{name: "valid", k: 31, m: 1 << 20, h: 3},
		{name: "zero k", k: 0, m: 1024, h: 3, wantErr: true},
		{name: "zero m", k: 31, m: 0, h: 3, wantErr: true},
		{name: "zero h", k: 31, m: 1024, h: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncoder(tt.k, tt.m, tt.h)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.k, enc.K())
			assert.Equal(t, tt.m, enc.M())
			assert.Equal(t, tt.h, enc.NumHashes())
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc, err := NewEncoder(5, 4096, 3)
	require.NoError(t, err)

	seq := []byte("ACGTACGTACGTTTGCA")
	a, err := enc.Encode(seq)
	require.NoError(t, err)
	b, err := enc.Encode(seq)
	require.NoError(t, err)

	assert.Equal(t, a.Ones(), b.Ones(), "same input must yield identical signatures")
	assert.Positive(t, a.Count())
}

func TestEncodeRejectsBadCharacters(t *testing.T) {
	enc, err := NewEncoder(3, 1024, 2)
	require.NoError(t, err)

	_, err = enc.Encode([]byte("ACGNACGT"))
	var ee *EncodingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, byte('N'), ee.Char)
	assert.Equal(t, 3, ee.Pos)
}

func TestEncodeCaseInsensitive(t *testing.T) {
	enc, err := NewEncoder(4, 2048, 2)
	require.NoError(t, err)

	upper, err := enc.Encode([]byte("ACGTACGT"))
	require.NoError(t, err)
	lower, err := enc.Encode([]byte("acgtacgt"))
	require.NoError(t, err)

	assert.Equal(t, upper.Ones(), lower.Ones())
}

func TestEncodeShortSequence(t *testing.T) {
	enc, err := NewEncoder(31, 1024, 3)
	require.NoError(t, err)

	sig, err := enc.Encode([]byte("ACGT"))
	require.NoError(t, err)
	assert.Zero(t, sig.Count(), "sequence shorter than k has no k-mers")
}

func TestEncodeDeduplicatesKmers(t *testing.T) {
	enc, err := NewEncoder(3, 1<<16, 3)
	require.NoError(t, err)

	// "AAAA" holds the k-mer AAA twice; the signature is a set.
	once, err := enc.Encode([]byte("AAA"))
	require.NoError(t, err)
	twice, err := enc.Encode([]byte("AAAA"))
	require.NoError(t, err)

	assert.Equal(t, once.Ones(), twice.Ones())
}

func TestPositions(t *testing.T) {
	enc, err := NewEncoder(3, 1000, 4)
	require.NoError(t, err)

	pos := enc.Positions([]byte("ACG"))
	require.Len(t, pos, 4)
	for _, p := range pos {
		assert.Less(t, p, uint64(1000))
	}
	assert.Equal(t, pos, enc.Positions([]byte("ACG")))
}

func TestPositionSets(t *testing.T) {
	enc, err := NewEncoder(3, 1<<16, 2)
	require.NoError(t, err)

	t.Run("distinct kmers in first-occurrence order", func(t *testing.T) {
		// ATGCA has k-mers ATG, TGC, GCA.
		sets, err := enc.PositionSets([]byte("ATGCA"))
		require.NoError(t, err)
		require.Len(t, sets, 3)

		assert.Equal(t, enc.Positions([]byte("ATG")), sets[0])
		assert.Equal(t, enc.Positions([]byte("TGC")), sets[1])
		assert.Equal(t, enc.Positions([]byte("GCA")), sets[2])
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		// TTTT has one distinct k-mer, TTT.
		sets, err := enc.PositionSets([]byte("TTTT"))
		require.NoError(t, err)
		require.Len(t, sets, 1)
	})

	t.Run("short sequence", func(t *testing.T) {
		sets, err := enc.PositionSets([]byte("AT"))
		require.NoError(t, err)
		assert.Empty(t, sets)
	})

	t.Run("invalid character", func(t *testing.T) {
		_, err := enc.PositionSets([]byte("ATXCA"))
		var ee *EncodingError
		require.ErrorAs(t, err, &ee)
	})
}

func TestCountDistinct(t *testing.T) {
	enc, err := NewEncoder(3, 1<<16, 2)
	require.NoError(t, err)

	tests := []struct {
		seq  string
		want int
	}{
		{seq: "ATGCA", want: 3},
		{seq: "TTTT", want: 1},
		{seq: "AT", want: 0},
	}
	for _, tt := range tests {
		got, err := enc.CountDistinct([]byte(tt.seq))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "seq %s", tt.seq)
	}

	_, err = enc.CountDistinct([]byte("ATXCA"))
	var ee *EncodingError
	require.ErrorAs(t, err, &ee)
}

func TestSignatureRoundtrip(t *testing.T) {
	sig := NewSignature(1000)
	sig.Set(0)
	sig.Set(63)
	sig.Set(64)
	sig.Set(999)
	sig.Set(5000) // out of range, ignored

	assert.True(t, sig.Test(63))
	assert.False(t, sig.Test(62))
	assert.False(t, sig.Test(5000))
	assert.Equal(t, 4, sig.Count())
	assert.Equal(t, []uint64{0, 63, 64, 999}, sig.Ones())

	var buf bytes.Buffer
	n, err := sig.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	got, err := ReadSignature(&buf)
	require.NoError(t, err)
	assert.Equal(t, sig.Len(), got.Len())
	assert.Equal(t, sig.Ones(), got.Ones())
}

func TestReadSignatureRejectsGarbage(t *testing.T) {
	_, err := ReadSignature(bytes.NewReader([]byte("not a signature")))
	require.ErrorIs(t, err, ErrBadSignature)
}
