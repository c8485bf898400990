package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelOfItsKind(t *testing.T) {
	err := fmt.Errorf("apply: %w", Validation("mail %s: missing pk", "m1"))

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "validation: mail m1: missing pk", errors.Unwrap(err).Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIO, cause, "save %s", "primary")

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTypedErrorsClassify(t *testing.T) {
	gap := &WatermarkGapError{Login: "alice", Expected: "e1", Actual: "e2"}
	assert.ErrorIs(t, gap, ErrWatermarkGap)
	assert.Equal(t, KindWatermarkGap, KindOf(gap))

	loop := &PaginationLoopError{Cursor: "c", Pages: 2}
	assert.Equal(t, KindPaginationLoop, KindOf(fmt.Errorf("fetch: %w", loop)))
}

func TestTransportErrorRetriable(t *testing.T) {
	for _, status := range []int{0, -1, 503, 504} {
		err := &TransportError{Status: status, Message: "unavailable"}
		assert.True(t, err.Retriable(), status)
		assert.ErrorIs(t, err, ErrRetriableTransport)
	}
	notRetriable := &TransportError{Status: 400, Message: "bad request"}
	assert.False(t, notRetriable.Retriable())
	assert.NotErrorIs(t, notRetriable, ErrRetriableTransport)
	assert.Equal(t, KindInternal, KindOf(notRetriable))
}

func TestPublicStripsCause(t *testing.T) {
	public := Public(Wrap(KindTimeout, errors.New("timer"), "index request %s", "u1"))
	assert.Equal(t, &Error{Kind: KindTimeout, Message: "index request u1"}, public)

	plain := Public(errors.New("boom"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Equal(t, "boom", plain.Message)

	assert.Nil(t, Public(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}
