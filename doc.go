// Package quicmigrate implements connection migration orchestration for
// QUIC file-transfer clients.
//
// The package decides when and how an established connection switches from
// one local network path to another without interrupting data delivery or
// forcing a new handshake. It manages the set of negotiated connection IDs,
// drives peer-side path validation, and guarantees that in-flight stream
// data survives the switch. The QUIC engine itself (packet protection,
// loss detection, congestion control, stream multiplexing) stays behind
// the transport.Adapter interface.
//
// # Getting Started
//
// Create a connection over an adapter and migrate it on demand:
//
//	adapter, err := transport.NewUDPAdapter()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	options := quicmigrate.NewOptions()
//	options.ValidationTimeout = 2 * time.Second
//
//	conn, err := quicmigrate.New(adapter, "192.168.1.10:0", "203.0.113.7:5000", options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	// Move the connection to another interface.
//	result, err := conn.MigrateTo(ctx, quicmigrate.Target{
//	    LocalAddr: "10.0.0.2:0",
//	    Interface: "wlan0",
//	})
//	if err != nil {
//	    log.Printf("migration failed, still on %v: %v", conn.ActivePath().LocalAddr, err)
//	} else {
//	    log.Printf("active path is now %v (conn ID %s)", result.NewPath.LocalAddr, result.ActiveID)
//	}
//
// # Core Types
//
//   - [Connection]: owns the active path, known paths, and the connection
//     ID pool of one logical connection
//   - [Options]: configuration for creating a new Connection
//   - [Target]: the local endpoint a migration moves to
//   - [MigrationResult]: what changed after a successful migration
//
// # Subsystems
//
//   - connid: connection ID pool with monotonic retirement
//   - pathval: challenge/response path validation
//   - continuity: in-flight stream data replay across path switches
//   - transport: the adapter interface plus a multi-socket UDP adapter
//   - netwatch: local interface and address change monitoring
//
// # Failure Behavior
//
// Migration failures are local and recoverable: a failed attempt returns a
// *MigrationFailedError and the transfer keeps running on the prior path.
// Only connection-fatal transport errors, handled by the engine behind the
// adapter, terminate a connection.
package quicmigrate
