package proto

import "github.com/pkg/errors"

// Handshake performs the client/worker side of the connection handshake:
// optionally enables encryption, sends Welcome, and expects Accepted or
// Rejected back. name is "evalgrid-client" or "evalgrid-worker".
func Handshake(c *Conn, name, password string) error {
	if password != "" {
		if err := c.EnableEncryption(password, false); err != nil {
			return err
		}
	}
	if err := c.Send(Welcome{Name: name, Version: ProtocolVersion}); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return errors.Wrap(err, "proto: handshake failed waiting for server reply")
	}
	switch r := reply.(type) {
	case Accepted:
		return nil
	case Rejected:
		return errors.Errorf("proto: server rejected handshake: %s", r.Reason)
	default:
		return errors.Errorf("proto: unexpected handshake reply %T", reply)
	}
}

// AcceptHandshake performs the server side: optionally enables
// encryption, reads Welcome, validates its version, and replies Accepted
// or Rejected. It returns the peer's Welcome so the caller can tell a
// client connection from a worker connection.
func AcceptHandshake(c *Conn, password string) (Welcome, error) {
	var w Welcome
	if password != "" {
		if err := c.EnableEncryption(password, true); err != nil {
			return w, err
		}
	}
	msg, err := c.Recv()
	if err != nil {
		return w, errors.Wrap(err, "proto: failed to read Welcome")
	}
	welcome, ok := msg.(Welcome)
	if !ok {
		_ = c.Send(Rejected{Reason: "expected Welcome first"})
		return w, errors.Errorf("proto: first message was %T, not Welcome", msg)
	}
	if welcome.Version != ProtocolVersion {
		reason := "protocol version mismatch: server is " + ProtocolVersion + ", peer is " + welcome.Version
		_ = c.Send(Rejected{Reason: reason})
		return w, errors.New("proto: " + reason)
	}
	if err := c.Send(Accepted{}); err != nil {
		return w, err
	}
	return welcome, nil
}
