package reliability

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchers(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := fmt.Errorf("context: %w", sentinel)
	opErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}

	t.Run("all", func(t *testing.T) {
		assert.True(t, MatchAll()(sentinel))
		assert.False(t, MatchAll()(nil))
	})

	t.Run("is and as", func(t *testing.T) {
		assert.True(t, ErrorIs(sentinel)(wrapped))
		assert.False(t, ErrorIs(sentinel)(opErr))
		assert.True(t, ErrorAs[*net.OpError]()(fmt.Errorf("send: %w", opErr)))
		assert.False(t, ErrorAs[*net.OpError]()(wrapped))
	})

	t.Run("message", func(t *testing.T) {
		assert.True(t, MessageContains("REFUSED")(opErr))
		assert.False(t, MessageContains("refused")(nil))
	})

	t.Run("combinators", func(t *testing.T) {
		assert.True(t, And(MatchAll(), ErrorIs(sentinel))(wrapped))
		assert.False(t, And()(wrapped))
		assert.True(t, Or(ErrorIs(sentinel), ErrorAs[*net.OpError]())(opErr))
		assert.False(t, Or()(opErr))
		assert.True(t, Not(ErrorIs(sentinel))(opErr))
		assert.False(t, Not(ErrorIs(sentinel))(nil))
		assert.False(t, Exclude(sentinel)(wrapped))
		assert.True(t, Exclude(sentinel)(opErr))
	})
}
