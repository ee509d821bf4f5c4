package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("should format op, message and detail", func(t *testing.T) {
		err := Apply("nat.add", "device rejected command", "failure: already have such rule")
		assert.Equal(t, "nat.add: device rejected command: failure: already have such rule", err.Error())
	})

	t.Run("should classify wrapped errors", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", Conflict("vpn.add", "user %q exists", "lee"))
		assert.Equal(t, KindConflict, KindOf(err))
		assert.True(t, IsKind(err, KindConflict))
		assert.True(t, errors.Is(err, ErrConflict))
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("should treat unclassified errors as internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
		assert.Equal(t, Kind(""), KindOf(nil))
	})

	t.Run("should unwrap transport cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Transport("routeros.run", cause)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
