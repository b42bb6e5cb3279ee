package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog_OverwritesOldest(t *testing.T) {
	l := NewLog[int](3)
	for i := 1; i <= 5; i++ {
		l.Append(i)
	}

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, int64(5), l.Total())
	assert.Equal(t, []int{3, 4, 5}, l.Snapshot())
	assert.Equal(t, []int{4, 5}, l.Last(2))
}

func TestLog_PartiallyFilled(t *testing.T) {
	l := NewLog[string](4)
	l.Append("a")
	l.Append("b")

	assert.Equal(t, []string{"a", "b"}, l.Snapshot())
	assert.Equal(t, []string{"b"}, l.Last(1))
	assert.Equal(t, []string{"a", "b"}, l.Last(10))
}

func TestLog_Empty(t *testing.T) {
	l := NewLog[int](0)
	assert.Empty(t, l.Snapshot())
	l.Append(7)
	assert.Equal(t, []int{7}, l.Snapshot())
}
