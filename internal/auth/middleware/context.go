package auth

import "context"

type ctxKey string

const ctxKeySub ctxKey = "sub"

// WithSubject stores the authenticated user id. For students it is also the key of their problem state.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, ctxKeySub, sub)
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySub).(string)
	return s
}
