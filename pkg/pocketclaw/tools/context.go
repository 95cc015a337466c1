package tools

import "context"

type turnKey struct{}

// Turn identifies the conversation a tool call belongs to. Tools that send
// messages or schedule work use it as their default target.
type Turn struct {
	Channel    string
	ChatID     string
	SessionKey string
}

// WithTurn attaches the current conversation to ctx.
func WithTurn(ctx context.Context, t Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFromContext returns the conversation attached by WithTurn.
func TurnFromContext(ctx context.Context) (Turn, bool) {
	t, ok := ctx.Value(turnKey{}).(Turn)
	return t, ok
}
