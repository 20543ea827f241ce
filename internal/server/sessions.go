package server

import (
	"net/http"

	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
)

// SessionResolver authenticates a request and names its session.
type SessionResolver interface {
	ResolveSession(r *http.Request) (runtime.Session, error)
}

// JWTSessions resolves HS256 bearer tokens whose subject is the session id.
type JWTSessions struct {
	Secret []byte
}

func (j JWTSessions) ResolveSession(r *http.Request) (runtime.Session, error) {
	return runtime.JWTResolver(j.Secret)(r)
}
