package dataset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/districts/dataset"
)

func TestDeriveCompat_Rules(t *testing.T) {
	tests := []struct {
		name   string
		pa, pb uint8
		a, b   [3]uint16
		want   bool
	}{
		{"single overlap", 2, 4, [3]uint16{0b000110}, [3]uint16{0b000011}, true},
		{"no overlap", 2, 4, [3]uint16{0b000110}, [3]uint16{0b011000}, false},
		{"split overlap", 3, 3, [3]uint16{0b000101}, [3]uint16{0b000111}, false},
		{"populations", 2, 3, [3]uint16{0b000110}, [3]uint16{0b000011}, false},
		{"bridge two", 2, 4, [3]uint16{0b000001, 0b000100}, [3]uint16{0b000111}, true},
		{"miss one of two", 2, 4, [3]uint16{0b000001, 0b000100}, [3]uint16{0b000011}, false},
		{"bridge three", 3, 3, [3]uint16{0b000001, 0b000100, 0b010000}, [3]uint16{0b011111}, true},
		{"miss one of three", 3, 3, [3]uint16{0b000001, 0b000100, 0b010000}, [3]uint16{0b000111}, false},
		{"two by two chain", 3, 3, [3]uint16{0b000001, 0b011100}, [3]uint16{0b000111, 0b010000}, true},
		{"two by two parallel", 3, 3, [3]uint16{0b000001, 0b011000}, [3]uint16{0b000011, 0b001000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := dataset.DeriveCompat(6, []uint8{tt.pa, tt.pb}, [][3]uint16{tt.a, tt.b})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Compatible(0, 1))
			assert.Equal(t, tt.want, c.Compatible(1, 0))
		})
	}
}

func TestDeriveCompat_LengthMismatch(t *testing.T) {
	_, err := dataset.DeriveCompat(4, []uint8{1, 3}, [][3]uint16{{1}})
	assert.Error(t, err)
}

func TestCompat_Pairs(t *testing.T) {
	pop := []uint8{1, 3, 2, 2, 3}
	c := dataset.NewCompat(len(pop))
	c.Add(0, 4)
	c.Add(0, 1)
	c.Add(2, 3)
	c.Add(2, 3)

	assert.Equal(t, uint64(6), c.NumPairs())
	assert.Equal(t, 5, c.Size())
	assert.False(t, c.Compatible(9, 0))
	assert.True(t, c.Partners(9).IsEmpty())

	k1, k2 := c.Pairs(pop, 1)
	assert.Equal(t, []int32{0, 0}, k1)
	assert.Equal(t, []int32{1, 4}, k2)

	k1, k2 = c.Pairs(pop, 2)
	assert.Equal(t, []int32{2, 3}, k1)
	assert.Equal(t, []int32{3, 2}, k2)
}
