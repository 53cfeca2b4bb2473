package fabric_test

import (
	"testing"

	"github.com/cosimnet/fabricsim/fabric"
)

func flitWithDst(t *testing.T, mac string) []byte {
	f := make([]byte, 8)
	copy(f[2:], mustMAC(t, mac))
	return f
}

func TestTableKey(t *testing.T) {
	assert, _ := makeAR(t)

	assert.EqualValues(0x0002, fabric.Key(mustMAC(t, "00:12:6d:00:00:02")))
	assert.EqualValues(0x1234, fabric.Key(mustMAC(t, "00:12:6d:00:12:34")))
}

func TestTableDest(t *testing.T) {
	assert, require := makeAR(t)

	table := fabric.NewTable(3, 2, nil)
	require.NoError(table.Add(mustMAC(t, "00:12:6d:00:00:02"), 0))
	require.NoError(table.Add(mustMAC(t, "00:12:6d:00:00:03"), 2))
	// entry at the downlink count means "any uplink"
	require.NoError(table.Add(mustMAC(t, "00:12:6d:00:00:04"), table.AnyUplink()))

	assert.Equal(0, table.Dest(flitWithDst(t, "00:12:6d:00:00:02")))
	assert.Equal(2, table.Dest(flitWithDst(t, "00:12:6d:00:00:03")))

	for i := 0; i < 32; i++ {
		d := table.Dest(flitWithDst(t, "00:12:6d:00:00:04"))
		assert.GreaterOrEqual(d, 3)
		assert.Less(d, 5)
	}

	// unknown destinations also go to an uplink when one exists
	d := table.Dest(flitWithDst(t, "00:12:6d:00:00:99"))
	assert.GreaterOrEqual(d, 3)
	assert.Less(d, 5)

	assert.Equal(fabric.Broadcast, table.Dest(flitWithDst(t, "ff:ff:ff:ff:ff:ff")))
	assert.Equal(fabric.Broadcast, table.Dest(flitWithDst(t, "01:00:5e:00:00:01")))

	assert.Error(table.Add(mustMAC(t, "00:12:6d:00:00:05"), 4))
	assert.Error(table.Add(mustMAC(t, "00:12:6d:00:00:05"), -1))
}

func TestTableNoUplink(t *testing.T) {
	assert, _ := makeAR(t)

	table := fabric.NewTable(2, 0, nil)
	assert.Equal(-1, table.Dest(flitWithDst(t, "00:12:6d:00:00:77")))
}
