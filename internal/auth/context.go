package auth

import "context"

type contextKey struct{}

// WithSubject 将认证主体写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, subject.Clone())
}

// SubjectFromContext 读取上下文中的认证主体。
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	subject, ok := ctx.Value(contextKey{}).(*Subject)
	if !ok || subject == nil {
		return nil, false
	}
	return subject.Clone(), true
}
