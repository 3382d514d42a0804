package connection

import (
	"context"

	"github.com/rs/zerolog"

	"swarmq/internal/queue"
)

// LogTransport is the Transport used when no hub session is attached: it
// records each request and reports success.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Dial(ctx context.Context, user queue.HintedUser, token string, secure bool) error {
	t.log.Info().Str("user", string(user.User)).Str("hub", user.Hub).Str("token", token).Bool("secure", secure).Msg("Connect to me")
	return ctx.Err()
}

func (t *LogTransport) Send(ctx context.Context, user queue.HintedUser, command string) error {
	t.log.Debug().Str("user", string(user.User)).Str("hub", user.Hub).Str("command", command).Msg("Command sent")
	return ctx.Err()
}
