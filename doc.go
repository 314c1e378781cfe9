// Package tunnel implements libtunnel's core: a TCP reverse-tunnel that
// lets an externally reachable server expose a client's local service to
// arbitrary visitors, without the client needing a public address.
//
// Three roles cooperate over plain TCP: a Server binds one control
// address for tunnel Clients and, per registered Profile, one visitor
// address; a Client sits next to the target service and opens outbound
// connections to the server on demand; a Visitor is any external TCP
// peer that connects to a profile's visitor address.
//
// TLS termination, configuration loading and CLI argument parsing are
// left to the embedding application - this package only emits
// structured log events and expects plain net.Conn / net.Listener
// values.
package tunnel
