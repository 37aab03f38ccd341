package services

import (
	"errors"
	"testing"

	"github.com/dermesser/sessionrpc/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(cx *Context) {}

func TestSlotsDuplicate(t *testing.T) {
	s := NewSlots()
	require.NoError(t, s.AddSlot(1, nop))
	assert.ErrorIs(t, s.AddSlot(1, nop), ErrDuplicateSlot)

	// records have their own ids
	require.NoError(t, s.AddRecordSlot(1, nop))
	assert.ErrorIs(t, s.AddRecordSlot(1, nop), ErrDuplicateSlot)

	assert.Error(t, s.AddSlot(2, nil))
}

func TestSlotsSealed(t *testing.T) {
	s := NewSlots()
	require.NoError(t, s.AddSlot(1, nop))
	s.Seal()
	assert.True(t, s.Sealed())

	assert.ErrorIs(t, s.AddSlot(2, nop), ErrDuplicateSlot)
	assert.ErrorIs(t, s.AddRecordSlot(2, nop), ErrDuplicateSlot)
	assert.ErrorIs(t, s.AddPreHook(func(*Context) error { return nil }), ErrDuplicateSlot)

	_, ok := s.Find(1)
	assert.True(t, ok)
	_, ok = s.Find(2)
	assert.False(t, ok)
}

func TestSlotsAcquire(t *testing.T) {
	a, b := NewSlots(), NewSlots()
	require.NoError(t, a.AddSlot(1, nop))
	require.NoError(t, b.AddSlot(2, nop))
	require.NoError(t, b.AddRecordSlot(5, nop))
	require.NoError(t, b.AddPreHook(func(*Context) error { return nil }))

	require.NoError(t, a.Acquire(b))
	assert.Equal(t, []uint32{1, 2}, a.Services())
	_, ok := a.FindRecord(5)
	assert.True(t, ok)
	assert.Len(t, a.preHooks(), 1)

	c := NewSlots()
	require.NoError(t, c.AddSlot(2, nop))
	require.NoError(t, c.AddSlot(3, nop))
	assert.ErrorIs(t, a.Acquire(c), ErrDuplicateSlot)
	// nothing was copied
	_, ok = a.Find(3)
	assert.False(t, ok)

	assert.ErrorIs(t, a.Acquire(a), ErrDuplicateSlot)
}

func TestRequestErrorMatchesUnknownService(t *testing.T) {
	var err error = &RequestError{Code: protocol.CodeUnknownService, Message: "no service 99"}
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, "UNKNOWN_SERVICE: no service 99", err.Error())

	err = &RequestError{Code: protocol.CodeHandlerError}
	assert.False(t, errors.Is(err, ErrUnknownService))
	assert.Equal(t, "HANDLER_ERROR", err.Error())
}

func TestToRemoteKeepsCode(t *testing.T) {
	r := toRemote(NewRequestError(protocol.CodeLoadshed, "busy"))
	assert.Equal(t, protocol.CodeLoadshed, r.Code)
	assert.Equal(t, "busy", r.Message)

	r = toRemote(errors.New("boom"))
	assert.Equal(t, protocol.CodeHandlerError, r.Code)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.DiscardCacheSize = 0
	cfg.MaxFrameSize = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RequestTimeout = 0
	assert.NoError(t, cfg.Validate())
}
