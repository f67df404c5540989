package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorForms(t *testing.T) {
	buf := make([]byte, 32)

	t.Run("short form", func(t *testing.T) {
		end := Int32.putDesc(buf, 0, 3, true, false)
		assert.Equal(t, 4, end)

		d, next, err := parseDesc(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, next)
		assert.Equal(t, uint8(2), d.name)
		assert.Equal(t, uint16(32), d.size)
		assert.Equal(t, 3, d.number)
		assert.True(t, d.inline)
		assert.False(t, d.longform)
	})

	t.Run("long form", func(t *testing.T) {
		end := Char.putDesc(buf, 0, 4096, true, false)
		assert.Equal(t, 12, end)

		d, next, err := parseDesc(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, 12, next)
		assert.Equal(t, uint8(8), d.name)
		assert.Equal(t, uint16(8), d.size)
		assert.Equal(t, 4096, d.number)
		assert.True(t, d.longform)
	})

	t.Run("deallocate flag", func(t *testing.T) {
		Int32.putDesc(buf, 0, 1, false, true)
		d, _, err := parseDesc(buf, 0)
		require.NoError(t, err)
		assert.False(t, d.inline)
		assert.True(t, d.deallocate)
	})
}

func TestShortFormCountLimit(t *testing.T) {
	b := NewBuilder(1<<16, Header{})
	_, err := b.Append(Int32, maxShortNumber+1, make([]byte, 4*(maxShortNumber+1))).Finish()
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestPortPredicates(t *testing.T) {
	assert.True(t, MoveReceive.IsPort())
	assert.True(t, MakeSendOnce.IsPort())
	assert.False(t, Char.IsPort())
	assert.False(t, Int64.IsPort())

	assert.True(t, MoveSendOnce.IsPortRight())
	assert.False(t, CopySend.IsPortRight(), "copy-send leaves the sender's right in place")
	assert.False(t, MakeSendOnce.IsPortRight())
}

func TestCheckRejectsWrongFlags(t *testing.T) {
	buf := make([]byte, 16)
	Int32.putDesc(buf, 0, 1, false, true)
	d, _, err := parseDesc(buf, 0)
	require.NoError(t, err)
	require.ErrorIs(t, d.check(Int32), ErrProtocolMismatch)
}
