package audit

import "context"

type contextKey string

const turnKey contextKey = "audit.turn"

// TurnRef ties events recorded deep in a call chain to their turn.
type TurnRef struct {
	SessionID string
	TurnID    string
}

// WithTurn stores the session and turn ids in ctx.
func WithTurn(ctx context.Context, sessionID, turnID string) context.Context {
	return context.WithValue(ctx, turnKey, TurnRef{SessionID: sessionID, TurnID: turnID})
}

// TurnFrom returns the ids stored by WithTurn, or a zero TurnRef.
func TurnFrom(ctx context.Context) TurnRef {
	ref, _ := ctx.Value(turnKey).(TurnRef)
	return ref
}
