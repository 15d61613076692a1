package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvance(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	m := NewMock(start)
	m.Advance(61 * time.Minute)
	assert.Equal(t, start.Add(61*time.Minute), m.Now())

	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, Real{}, OrReal(nil))
	fixed := Func(func() time.Time { return time.Unix(0, 0) })
	assert.Equal(t, time.Unix(0, 0), OrReal(fixed).Now())
}
