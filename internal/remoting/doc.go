// Package remoting connects a DataSource to a remote host.
//
// Communicator is the plugin side: it dials the host, completes the hello
// handshake and serves one invocation at a time until the host hangs up.
// Host is the peer side used by embedding hosts and tests.
package remoting
