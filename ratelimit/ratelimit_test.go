package ratelimit_test

import (
	"testing"

	"github.com/cosimnet/fabricsim/core/testenv"
	"github.com/cosimnet/fabricsim/ratelimit"
)

var makeAR = testenv.MakeAR

func gcd(a, b int) int {
	for b > 0 {
		a, b = b, a%b
	}
	return a
}

func TestReduce(t *testing.T) {
	assert, _ := makeAR(t)

	steps := []struct {
		n, d   int
		nn, dd int
	}{
		{200, 800, 1, 4},
		{800, 800, 1, 1},
		{100, 200, 1, 2},
		{150, 200, 3, 4},
		{7, 13, 7, 13},
	}
	for _, step := range steps {
		nn, dd := ratelimit.Reduce(step.n, step.d)
		assert.Equal(step.nn, nn, "%d/%d", step.n, step.d)
		assert.Equal(step.dd, dd, "%d/%d", step.n, step.d)
		assert.Equal(1, gcd(nn, dd), "%d/%d", step.n, step.d)
		assert.Equal(step.d*nn, step.n*dd, "%d/%d", step.n, step.d)
	}
}

func TestNew(t *testing.T) {
	assert, require := makeAR(t)

	d, e := ratelimit.New(200, 800, 8)
	require.NoError(e)
	assert.Equal(ratelimit.Descriptor{Increment: 1, Period: 4, Burst: 8}, d)

	_, e = ratelimit.New(801, 800, 8)
	assert.Error(e)
	_, e = ratelimit.New(0, 800, 8)
	assert.Error(e)
	_, e = ratelimit.New(200, 800, 256)
	assert.Error(e)
}

func TestPack(t *testing.T) {
	assert, require := makeAR(t)

	d, e := ratelimit.New(200, 800, 8)
	require.NoError(e)

	// W=10: increment=1 at bit 20, period-1=3 at bit 10, burst=8 at bit 0
	assert.Equal(uint32(1<<20|3<<10|8), d.Pack(10))
}
