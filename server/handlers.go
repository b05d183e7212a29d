package server

import (
	"fmt"

	"chatrelay/protocol"
)

const badRequestText = "Bad request"

// dispatch executes one decoded request. A returned error drops c.
func (s *Server) dispatch(c *conn, msg protocol.Message) error {
	c.log.Debug("dispatching", "action", msg.Action)

	switch {
	case msg.Action == protocol.ActionPresence && msg.Time != nil && msg.User != nil && !msg.User.IsRef() &&
		msg.User.AccountName != "" && c.name == "":
		return s.handlePresence(c, msg)

	case msg.Action == protocol.ActionMessage && msg.Sender != "" && msg.Destination != "" &&
		msg.Time != nil && msg.MessageText != "":
		s.pending = append(s.pending, msg)
		return nil

	case msg.Action == protocol.ActionExit && msg.AccountName != "":
		s.handleExit(c, msg)
		return nil

	case msg.Action == protocol.ActionGetContacts && msg.User.IsRef() && s.sessions.boundTo(msg.User.Name(), c):
		return s.handleGetContacts(c, msg)

	case msg.Action == protocol.ActionAddContact && msg.AccountName != "" && msg.User.IsRef() &&
		s.sessions.boundTo(msg.User.Name(), c):
		return s.handleAddContact(c, msg)

	case msg.Action == protocol.ActionRemoveContact && msg.AccountName != "" && msg.User.IsRef() &&
		s.sessions.boundTo(msg.User.Name(), c):
		return s.handleRemoveContact(c, msg)

	case msg.Action == protocol.ActionUsersRequest && s.sessions.boundTo(msg.AccountName, c):
		return s.handleUsersRequest(c)
	}

	c.log.Warn("bad request", "action", msg.Action, "account", c.name)
	s.metrics.ProtocolErrors.WithLabelValues(errorBadRequest).Inc()
	return s.reply(c, protocol.NewError(badRequestText))
}

// reply queues msg for c. A connection that cannot take the frame is lost.
func (s *Server) reply(c *conn, msg protocol.Message) error {
	frame, err := protocol.Frame(msg)
	if err != nil {
		return err
	}
	if !c.trySend(frame) {
		return ErrSessionLost
	}
	return nil
}

func (s *Server) handlePresence(c *conn, msg protocol.Message) error {
	name := msg.User.AccountName

	if _, taken := s.sessions.lookup(name); taken {
		c.log.Warn("account name already in use", "account", name)
		s.metrics.ProtocolErrors.WithLabelValues(errorNameCollision).Inc()
		_ = s.reply(c, protocol.NewError("Account name is already in use."))
		return fmt.Errorf("%w: %s", ErrNameCollision, name)
	}

	if auth, ok := s.dir.(Authenticator); ok {
		valid, err := auth.Authenticate(name, msg.User.Password)
		if err != nil {
			return fmt.Errorf("authenticate %s: %w", name, err)
		}
		if !valid {
			c.log.Warn("authentication failed", "account", name)
			s.metrics.ProtocolErrors.WithLabelValues(errorAuth).Inc()
			_ = s.reply(c, protocol.NewError("Authentication failed."))
			return fmt.Errorf("%w: %s", ErrAuthFailed, name)
		}
	}

	if err := s.sessions.bind(name, c); err != nil {
		return err
	}
	s.metrics.Sessions.Set(float64(s.sessions.len()))

	ip, port := c.peer()
	if err := s.dir.Login(name, ip, port); err != nil {
		return fmt.Errorf("login %s: %w", name, err)
	}

	c.log = c.log.With("account", name)
	c.log.Info("client identified")
	return s.reply(c, protocol.NewResponse(protocol.StatusOK))
}

// handleExit closes the requesting connection. The directory logout only
// applies when the named account is bound to this connection.
func (s *Server) handleExit(c *conn, msg protocol.Message) {
	name := msg.AccountName
	if !s.sessions.boundTo(name, c) {
		c.log.Warn("exit for an account not bound to this connection", "account", name)
		s.release(c, true)
		return
	}

	s.sessions.unbind(c)
	s.metrics.Sessions.Set(float64(s.sessions.len()))
	if err := s.dir.Logout(name); err != nil {
		c.log.Warn("directory logout failed", "error", err)
	}
	c.log.Info("client exited")
	s.release(c, false)
}

func (s *Server) handleGetContacts(c *conn, msg protocol.Message) error {
	contacts, err := s.dir.Contacts(msg.User.AccountName)
	if err != nil {
		return fmt.Errorf("contacts of %s: %w", msg.User.AccountName, err)
	}
	return s.reply(c, protocol.NewList(contacts))
}

func (s *Server) handleAddContact(c *conn, msg protocol.Message) error {
	if err := s.dir.AddContact(msg.User.AccountName, msg.AccountName); err != nil {
		return fmt.Errorf("add contact %s for %s: %w", msg.AccountName, msg.User.AccountName, err)
	}
	c.log.Info("contact added", "contact", msg.AccountName)
	return s.reply(c, protocol.NewResponse(protocol.StatusOK))
}

func (s *Server) handleRemoveContact(c *conn, msg protocol.Message) error {
	if err := s.dir.RemoveContact(msg.User.AccountName, msg.AccountName); err != nil {
		return fmt.Errorf("remove contact %s for %s: %w", msg.AccountName, msg.User.AccountName, err)
	}
	c.log.Info("contact removed", "contact", msg.AccountName)
	return s.reply(c, protocol.NewResponse(protocol.StatusOK))
}

func (s *Server) handleUsersRequest(c *conn) error {
	users, err := s.dir.KnownUsers()
	if err != nil {
		return fmt.Errorf("known users: %w", err)
	}
	return s.reply(c, protocol.NewList(users))
}
