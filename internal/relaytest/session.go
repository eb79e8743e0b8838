package relaytest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"slices"
	"strings"
	"time"
)

// Phases of a client connection, in protocol order.
type phase int

const (
	phaseConnected phase = iota
	phaseGreeted
	phaseAuthenticated
	phaseMail
	phaseRcpt
)

// idleTimeout closes connections that stop talking.
const idleTimeout = 30 * time.Second

// handler runs one command and reports whether the connection should end.
type handler func(s *session, arg string) bool

var handlers = map[string]handler{
	"EHLO": func(s *session, arg string) bool { s.greet(arg, true); return false },
	"HELO": func(s *session, arg string) bool { s.greet(arg, false); return false },
	"AUTH": (*session).auth,
	"MAIL": (*session).mail,
	"RCPT": (*session).rcpt,
	"DATA": (*session).data,
	"RSET": func(s *session, _ string) bool { s.reset(); s.reply("250 OK"); return false },
	"NOOP": func(s *session, _ string) bool { s.reply("250 OK"); return false },
	"QUIT": func(s *session, _ string) bool { s.server.recordQuit(); s.reply("221 Bye"); return true },
}

// session serves one client connection.
type session struct {
	conn   net.Conn
	text   *textproto.Conn
	server *Server
	phase  phase

	from string
	to   []string
}

func newSession(conn net.Conn, server *Server) *session {
	return &session{
		conn:   conn,
		text:   textproto.NewConn(conn),
		server: server,
	}
}

// handle runs commands until the client quits, disconnects or the relay
// shuts down.
func (s *session) handle(ctx context.Context) {
	defer s.text.Close()

	s.reply("220 %s ESMTP relaytest", s.server.opts.Hostname)

	for ctx.Err() == nil {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		line, err := s.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.server.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parseCommand(line)
		h, ok := handlers[verb]
		if !ok {
			s.reply("500 Unrecognized command")
			continue
		}
		if h(s, arg) {
			return
		}
	}
	s.reply("421 Service shutting down")
}

func (s *session) greet(name string, extended bool) {
	if name == "" {
		s.reply("501 Syntax: EHLO hostname")
		return
	}
	s.phase = phaseGreeted

	host := s.server.opts.Hostname
	if !extended {
		s.reply("250 %s Hello %s", host, name)
		return
	}
	s.reply("250-%s Hello %s", host, name)
	if s.server.auth.enabled() {
		s.reply("250-AUTH PLAIN LOGIN")
	}
	s.reply("250 8BITMIME")
}

func (s *session) auth(arg string) bool {
	switch {
	case s.phase < phaseGreeted:
		s.reply("503 Send EHLO/HELO first")
		return false
	case !s.server.auth.enabled():
		s.reply("503 AUTH not available")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.prompt(""); err != nil {
				return true
			}
		}
		if initial == "*" {
			s.reply("501 Authentication cancelled")
			return false
		}
		err = s.server.auth.verifyPlain(initial)
	case "LOGIN":
		user, perr := s.prompt("VXNlcm5hbWU6")
		if perr != nil {
			return true
		}
		pass, perr := s.prompt("UGFzc3dvcmQ6")
		if perr != nil {
			return true
		}
		err = s.server.auth.verifyLogin(user, pass)
	default:
		s.reply("504 Unrecognized authentication type")
		return false
	}

	if err != nil {
		s.reply("535 5.7.8 Authentication credentials invalid")
		return false
	}
	s.phase = phaseAuthenticated
	s.reply("235 2.7.0 Authentication successful")
	return false
}

// prompt sends a 334 challenge and returns the client's answer.
func (s *session) prompt(challenge string) (string, error) {
	s.reply("334 %s", challenge)
	return s.text.ReadLine()
}

func (s *session) mail(arg string) bool {
	switch {
	case s.phase < phaseGreeted:
		s.reply("503 Send EHLO/HELO first")
		return false
	case s.server.auth.enabled() && s.phase < phaseAuthenticated:
		s.reply("530 5.7.0 Authentication required")
		return false
	case s.phase >= phaseMail:
		s.reply("503 Nested MAIL command")
		return false
	}

	addr, ok := pathArg(arg, "FROM:")
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return false
	}
	s.from, s.to = addr, nil
	s.phase = phaseMail
	s.reply("250 OK")
	return false
}

func (s *session) rcpt(arg string) bool {
	if s.phase < phaseMail {
		s.reply("503 Send MAIL FROM first")
		return false
	}
	addr, ok := pathArg(arg, "TO:")
	if !ok {
		s.reply("501 Syntax: RCPT TO:<address>")
		return false
	}
	if slices.Contains(s.server.opts.RejectRecipients, addr) {
		s.reply("550 5.1.1 <%s>: Recipient address rejected", addr)
		return false
	}

	s.to = append(s.to, addr)
	s.phase = phaseRcpt
	s.reply("250 OK")
	return false
}

// data reads the message. It ends the connection when the relay is
// scripted to drop it or the client disappears mid-message.
func (s *session) data(string) bool {
	if s.phase < phaseRcpt {
		s.reply("503 Send RCPT TO first")
		return false
	}
	if s.server.nextData() {
		s.server.logger.Debug("dropping connection at DATA")
		return true
	}
	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	var body strings.Builder
	for {
		line, err := s.text.ReadLine()
		if err != nil {
			s.server.logger.Debug("error reading DATA", "error", err)
			return true
		}
		if line == "." {
			break
		}
		body.WriteString(strings.TrimPrefix(line, "."))
		body.WriteString("\r\n")
	}

	if i := slices.IndexFunc(s.to, func(rcpt string) bool {
		return slices.Contains(s.server.opts.RejectData, rcpt)
	}); i >= 0 {
		s.reply("554 5.7.1 Message rejected for <%s>", s.to[i])
		s.reset()
		return false
	}

	s.server.record(Delivery{From: s.from, To: slices.Clone(s.to), Data: []byte(body.String())})
	s.reply("250 OK message queued")
	s.reset()
	return false
}

// reset drops the mail transaction but keeps greeting and authentication.
func (s *session) reset() {
	s.from, s.to = "", nil
	if s.phase > phaseAuthenticated {
		s.phase = phaseAuthenticated
	}
	if s.phase == phaseAuthenticated && !s.server.auth.enabled() {
		s.phase = phaseGreeted
	}
}

func (s *session) reply(format string, args ...any) {
	if err := s.text.PrintfLine(format, args...); err != nil {
		s.server.logger.Debug("write reply", "error", fmt.Errorf("%q: %w", format, err))
	}
}

// parseCommand splits a command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// pathArg parses the "FROM:<addr>" or "TO:<addr>" argument of MAIL and RCPT.
func pathArg(arg, keyword string) (string, bool) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", false
	}
	addr := extractAddress(arg[len(keyword):])
	return addr, addr != ""
}

// extractAddress returns the address of a MAIL or RCPT parameter, with or
// without angle brackets. ESMTP parameters after the address are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "<"); ok {
		addr, _, found := strings.Cut(rest, ">")
		if !found {
			return ""
		}
		return addr
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}
