package terr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	cause := errors.New("link detached")
	err := terr.Transient(cause)

	assert.ErrorIs(t, err, terr.ErrTransient)
	assert.NotErrorIs(t, err, terr.ErrFatal)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, terr.KindTransient, terr.KindOf(err))
}

func TestWrappedKind(t *testing.T) {
	err := fmt.Errorf("amqp10: complete: %w", terr.LockLost(errors.New("gone")))

	assert.ErrorIs(t, err, terr.ErrLockLost)
	assert.Equal(t, terr.KindLockLost, terr.KindOf(err))
	assert.True(t, terr.IsClassified(err))
	assert.False(t, terr.IsTransient(err))
}

func TestNewKeepsSameKind(t *testing.T) {
	inner := terr.Fatal(errors.New("unauthorized"))
	assert.Same(t, inner, terr.Fatal(inner))
}

func TestUnclassified(t *testing.T) {
	assert.Equal(t, terr.KindUnknown, terr.KindOf(errors.New("boom")))
	assert.Equal(t, terr.KindUnknown, terr.KindOf(nil))
}

func TestNilCause(t *testing.T) {
	err := terr.Capability(nil)
	assert.ErrorIs(t, err, terr.ErrCapability)
	assert.Equal(t, "capability error", err.Error())
}
