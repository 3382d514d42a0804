package connection

import (
	"context"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"swarmq/internal/config"
	"swarmq/internal/hashing"
	"swarmq/internal/queue"
)

type transportMock struct {
	mock.Mock
}

func (t *transportMock) Dial(ctx context.Context, user queue.HintedUser, token string, secure bool) error {
	return t.Called(user, token, secure).Error(0)
}

func (t *transportMock) Send(ctx context.Context, user queue.HintedUser, command string) error {
	return t.Called(user, command).Error(0)
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *transportMock) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	transport := new(transportMock)
	m, err := NewManager(cfg, zerolog.Nop(), transport)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, transport
}

var peer = queue.HintedUser{User: "peer", Hub: "adc://hub.example:1511"}

func TestOnlineTracking(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.False(t, m.IsOnline("peer"))

	m.SetOnline("peer", "adc://b", true)
	m.SetOnline("peer", "adc://a", true)
	assert.True(t, m.IsOnline("peer"))
	assert.Equal(t, []string{"adc://a", "adc://b"}, m.OnlineHubs("peer"))

	m.SetOnline("peer", "adc://a", false)
	m.SetOnline("peer", "adc://b", false)
	assert.False(t, m.IsOnline("peer"))
	assert.Empty(t, m.OnlineHubs("peer"))
}

func TestConnect(t *testing.T) {
	m, transport := newTestManager(t, nil)
	err := m.Connect(peer, "tok", true)
	assert.ErrorIs(t, err, ErrOffline)

	m.SetOnline(peer.User, peer.Hub, true)
	transport.On("Dial", peer, "tok", true).Return(nil).Once()
	require.NoError(t, m.Connect(peer, "tok", true))

	transport.On("Dial", peer, "bad", true).Return(assert.AnError).Once()
	assert.ErrorIs(t, m.Connect(peer, "bad", true), assert.AnError)
	transport.AssertExpectations(t)
}

func TestConnectRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectRate = 1
	m, transport := newTestManager(t, cfg)
	m.SetOnline(peer.User, peer.Hub, true)
	transport.On("Dial", peer, mock.Anything, false).Return(nil)

	require.NoError(t, m.Connect(peer, "a", false))
	assert.ErrorIs(t, m.Connect(peer, "b", false), ErrRateLimited)
	transport.AssertNumberOfCalls(t, "Dial", 1)
}

func TestConnectBreakerOpens(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectRate = 1000
	cfg.BreakerMinRequests = 3
	cfg.BreakerErrorRatio = 0.5
	m, transport := newTestManager(t, cfg)
	m.SetOnline(peer.User, peer.Hub, true)
	transport.On("Dial", peer, mock.Anything, true).Return(assert.AnError)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.Connect(peer, "t", true), assert.AnError)
	}
	assert.ErrorIs(t, m.Connect(peer, "t", true), gobreaker.ErrOpenState)
	transport.AssertNumberOfCalls(t, "Dial", 3)
}

func TestExpectedConnections(t *testing.T) {
	cfg := config.Default()
	cfg.ExpectedConnTTL = time.Minute
	m, _ := newTestManager(t, cfg)

	m.ExpectIncoming("tok", "peer", "adc://hub")
	user, ok := m.Claim("tok")
	require.True(t, ok)
	assert.Equal(t, queue.HintedUser{User: "peer", Hub: "adc://hub"}, user)
	_, ok = m.Claim("tok")
	assert.False(t, ok, "tokens are claimed once")

	m.ExpectIncoming("old", "peer", "adc://hub")
	assert.Zero(t, m.Prune(time.Now()))
	assert.Equal(t, 1, m.Prune(time.Now().Add(2*time.Minute)))
	_, ok = m.Claim("old")
	assert.False(t, ok)
}

func TestSendPartialQuery(t *testing.T) {
	m, transport := newTestManager(t, nil)
	tth := hashing.LeafHash([]byte("content"))
	ours := roaring.BitmapOf(0, 1)

	assert.ErrorIs(t, m.SendPartialQuery(peer, tth, 65536, ours), ErrOffline)

	m.SetOnline(peer.User, peer.Hub, true)
	transport.On("Send", peer, "PSR TR"+tth.String()+" BS65536 PI0,2").Return(nil).Once()
	require.NoError(t, m.SendPartialQuery(peer, tth, 65536, ours))
	transport.AssertExpectations(t)
}

func TestConnectAfterClose(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.SetOnline(peer.User, peer.Hub, true)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(peer, "t", true), ErrClosed)
}
