// Package rosserial bridges embedded devices speaking the rosserial
// wire protocol onto a host-side publish/subscribe message bus.
//
// Devices reach the bridge over any byte-stream transport (serial line,
// TCP, TLS, WebSocket or QUIC). Each connection runs one Session: a
// protocol engine that parses length-prefixed, checksummed frames,
// negotiates between the two wire-protocol generations, and routes
// payloads by topic id. Topics the device announces are adapted onto a
// MessageBus through Publisher and Subscriber collaborators the session
// owns for its lifetime.
//
// # Wire protocol
//
// A frame is a sync preamble (0xFF 0xFF for V1, 0xFF 0xFE for V2), the
// topic id and payload length as u16 LE, on V2 a one-byte length
// checksum, then the payload followed by its checksum byte. The
// generation is fixed by the first recognized sync sequence and never
// changes for the life of the connection. Corrupted input never kills a
// connection: the parser abandons the partial frame and hunts for the
// next sync sequence one byte at a time.
//
// # Server
//
// Use Server to accept device connections from any Listener:
//
//	listener, _ := rosserial.NewTCPListener(":11411")
//	srv := rosserial.NewServer(listener,
//	    rosserial.WithBus(rosserial.NewLocalBus()),
//	    rosserial.WithLogger(rosserial.NewStdLogger(os.Stderr, rosserial.LogLevelInfo)),
//	)
//	srv.Serve()
//
// For a connection established out of band, such as an opened serial
// port, attach a session directly:
//
//	port, _ := rosserial.OpenSerial(rosserial.SerialConfig{Port: "/dev/ttyUSB0"})
//	session := rosserial.Attach(port)
//	defer session.Close()
//
// # Message bus
//
// MessageBus is the boundary to the host pub/sub system. LocalBus is an
// in-process implementation; production deployments implement
// MessageBus against their broker of choice.
package rosserial
