package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"swarmq/internal/config"
	"swarmq/internal/hashing"
	"swarmq/internal/protocol"
	"swarmq/internal/queue"
)

const (
	dialTimeout   = 30 * time.Second
	pruneInterval = 30 * time.Second
)

var (
	ErrRateLimited = errors.New("connect rate exceeded")
	ErrOffline     = errors.New("user is offline")
	ErrClosed      = errors.New("connection manager closed")
)

// Transport carries the client-client protocol. Dial asks user to connect
// back presenting token; Send delivers a single protocol command.
type Transport interface {
	Dial(ctx context.Context, user queue.HintedUser, token string, secure bool) error
	Send(ctx context.Context, user queue.HintedUser, command string) error
}

var (
	_ queue.ConnectionService = (*Manager)(nil)
	_ queue.PartialQuerier    = (*Manager)(nil)
)

type expectedConn struct {
	user    queue.UserID
	hub     string
	expires time.Time
}

// Manager tracks which users are online, throttles and circuit-breaks
// outgoing connection attempts and remembers the tokens of connections we
// expect to be opened by peers.
type Manager struct {
	Logger    zerolog.Logger
	transport Transport
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	ttl       time.Duration

	mu       sync.Mutex
	online   map[queue.UserID]map[string]bool
	expected map[string]expectedConn

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewManager(cfg *config.Config, log zerolog.Logger, transport Transport) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("connection manager requires a transport")
	}
	burst := int(cfg.ConnectRate)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		Logger:    log,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ConnectRate), burst),
		ttl:       cfg.ExpectedConnTTL,
		online:    make(map[queue.UserID]map[string]bool),
		expected:  make(map[string]expectedConn),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connect",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinRequests && failureRatio >= cfg.BreakerErrorRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	m.wg.Add(1)
	go m.pruneRoutine()
	return m, nil
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

// SetOnline records that user joined or left hub.
func (m *Manager) SetOnline(user queue.UserID, hub string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hubs := m.online[user]
	if online {
		if hubs == nil {
			hubs = make(map[string]bool)
			m.online[user] = hubs
		}
		hubs[hub] = true
	} else if hubs != nil {
		delete(hubs, hub)
		if len(hubs) == 0 {
			delete(m.online, user)
		}
	}
	onlineUsers.Set(float64(len(m.online)))
}

func (m *Manager) IsOnline(user queue.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.online[user]) > 0
}

// OnlineHubs lists the hubs user is seen on, sorted.
func (m *Manager) OnlineHubs(user queue.UserID) []string {
	m.mu.Lock()
	hubs := lo.Keys(m.online[user])
	m.mu.Unlock()

	sort.Strings(hubs)
	return hubs
}

// Connect asks user to open a connection to us. Attempts are rate limited
// and pass through a circuit breaker guarding the transport.
func (m *Manager) Connect(user queue.HintedUser, token string, secure bool) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	if !m.IsOnline(user.User) {
		connectAttempts.WithLabelValues("offline").Inc()
		return fmt.Errorf("connect %s: %w", user, ErrOffline)
	}
	if !m.limiter.Allow() {
		connectAttempts.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("connect %s: %w", user, ErrRateLimited)
	}

	_, err := m.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()
		return nil, m.transport.Dial(ctx, user, token, secure)
	})
	if err != nil {
		connectAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("connect %s: %w", user, err)
	}
	connectAttempts.WithLabelValues("ok").Inc()
	m.Logger.Debug().Str("user", string(user.User)).Str("hub", user.Hub).Msg("Connection requested")
	return nil
}

// ExpectIncoming remembers token so that an incoming connection presenting
// it can be matched to user.
func (m *Manager) ExpectIncoming(token string, user queue.UserID, hub string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected[token] = expectedConn{user: user, hub: hub, expires: time.Now().Add(m.ttl)}
	expectedConnections.Set(float64(len(m.expected)))
}

// Claim consumes an expected connection token. Expired tokens are not
// matched.
func (m *Manager) Claim(token string) (queue.HintedUser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.expected[token]
	if !ok {
		return queue.HintedUser{}, false
	}
	delete(m.expected, token)
	expectedConnections.Set(float64(len(m.expected)))
	if time.Now().After(e.expires) {
		return queue.HintedUser{}, false
	}
	return queue.HintedUser{User: e.user, Hub: e.hub}, true
}

// Prune drops expired tokens and returns how many were dropped.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for token, e := range m.expected {
		if now.After(e.expires) {
			delete(m.expected, token)
			n++
		}
	}
	expectedConnections.Set(float64(len(m.expected)))
	return n
}

// SendPartialQuery sends a partial search for tth carrying our blocks.
func (m *Manager) SendPartialQuery(user queue.HintedUser, tth hashing.Value, blockSize int64, ours *roaring.Bitmap) error {
	if !m.IsOnline(user.User) {
		return fmt.Errorf("partial query to %s: %w", user, ErrOffline)
	}
	msg := protocol.PartialSearch{TTH: tth.String(), BlockSize: blockSize, Parts: ours}

	ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
	defer cancel()
	if err := m.transport.Send(ctx, user, msg.String()); err != nil {
		return fmt.Errorf("partial query to %s: %w", user, err)
	}
	return nil
}

func (m *Manager) pruneRoutine() {
	defer m.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := m.Prune(now); n > 0 {
				m.Logger.Debug().Int("expired", n).Msg("Pruned expected connections")
			}
		case <-m.ctx.Done():
			return
		}
	}
}
