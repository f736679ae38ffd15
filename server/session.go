package server

import (
	"fmt"
	"net"

	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/server/idgen"
)

// Session carries what every protocol session logs with.
type Session struct {
	ID         string
	Protocol   string
	ServerName string
	RemoteIP   string
	User       string // Authenticated address, empty before login
}

func NewSession(protocol, serverName string, conn net.Conn) Session {
	remote, _ := HostPort(conn.RemoteAddr())
	return Session{
		ID:         idgen.New(),
		Protocol:   protocol,
		ServerName: serverName,
		RemoteIP:   remote,
	}
}

func (s *Session) fields(format string, args []any) []any {
	user := s.User
	if user == "" {
		user = "none"
	}
	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}
	return []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.ID, "msg", fmt.Sprintf(format, args...)}
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.fields(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.fields(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.fields(format, args)...)
}
