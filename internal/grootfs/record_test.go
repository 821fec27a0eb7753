package grootfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	r := record{}.withUID(1000).withGID(1000).withMode(0755)

	decoded, err := decodeRecord(encodeRecord(r))

	require.NoError(t, err)
	assert.Equal(t, r, decoded)
	assert.True(t, decoded.hasUID())
	assert.True(t, decoded.hasGID())
	assert.True(t, decoded.hasMode())
}

func TestRecordZeroValueHasNoClaims(t *testing.T) {
	var r record

	assert.False(t, r.hasUID())
	assert.False(t, r.hasGID())
	assert.False(t, r.hasMode())
}

func TestRecordModeIsMasked(t *testing.T) {
	r := record{}.withMode(0xFFFFFFFF)

	assert.Equal(t, uint32(07777), r.mode)
}

func TestRecordLastSetterWins(t *testing.T) {
	r := record{}.withUID(1000)
	r = r.withUID(2000)

	assert.Equal(t, uint32(2000), r.uid)
	assert.True(t, r.hasUID())
}

func TestDecodeRecordRejectsWrongLength(t *testing.T) {
	_, err := decodeRecord([]byte{1, 2, 3})

	assert.Error(t, err)
}

func TestDecodeRecordRejectsOverlongValue(t *testing.T) {
	_, err := decodeRecord(make([]byte, 17))

	assert.Error(t, err)
}
