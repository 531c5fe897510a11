package natsbus

import (
	"errors"
	"testing"

	"vpin_mm/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

var _ domain.BarPublisher = (*Publisher)(nil)

func TestPublisher_PublishBar(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "vpin.bar")

	require.NoError(t, p.PublishBar("XBTUSD", []byte(`{"close":1}`)))
	assert.Equal(t, []string{"vpin.bar.XBTUSD"}, fc.subjects)
	assert.Equal(t, `{"close":1}`, string(fc.payloads[0]))

	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}

func TestPublisher_PublishError(t *testing.T) {
	boom := errors.New("connection closed")
	p := newPublisher(&fakeConn{err: boom}, "vpin.bar")

	err := p.PublishBar("XBTUSD", nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "vpin.bar.XBTUSD")
}
