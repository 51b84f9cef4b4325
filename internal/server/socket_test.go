package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Tyrowin/wsrelay/internal/registry"
	"github.com/Tyrowin/wsrelay/internal/testhelpers"
)

func newTestSocket(bufferSize int) *socket {
	cfg := NewConfig()
	cfg.SendBufferSize = bufferSize
	return newSocket(nil, "test", cfg, testhelpers.DiscardLogger())
}

func TestSocket_StateTransitions(t *testing.T) {
	s := newTestSocket(4)

	assert.Equal(t, stateConnecting, s.State())
	assert.ErrorIs(t, s.Send([]byte("early")), registry.ErrTransportClosed)
	assert.ErrorIs(t, s.Ping(), registry.ErrTransportClosed)

	assert.True(t, s.open())
	assert.False(t, s.open(), "open only leaves CONNECTING once")
	assert.True(t, s.Open())

	assert.True(t, s.beginClose(1000, "bye"))
	assert.Equal(t, stateClosing, s.State())
	assert.False(t, s.beginClose(1001, "again"))
	assert.ErrorIs(t, s.Send([]byte("late")), registry.ErrTransportClosed)

	s.markClosed()
	s.markClosed()
	assert.Equal(t, stateClosed, s.State())
	assert.Equal(t, 1000, s.closeCode)
	assert.Equal(t, "closed", s.State().String())
}

func TestSocket_SendBufferFull(t *testing.T) {
	s := newTestSocket(2)
	s.open()

	assert.NoError(t, s.Send([]byte("1")))
	assert.NoError(t, s.Send([]byte("2")))
	assert.ErrorIs(t, s.Send([]byte("3")), registry.ErrSendBufferFull)

	s.markClosed()
	var drained []string
	for frame := range s.send {
		drained = append(drained, string(frame))
	}
	assert.Equal(t, []string{"1", "2"}, drained)
}
