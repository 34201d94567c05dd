// ABOUTME: Rendering-target wire protocol package
// ABOUTME: Defines control messages, audio framing and the WebSocket client
// Package protocol implements the link between the bridge and a network
// rendering target.
//
// The control channel carries JSON messages (client/hello, stream/open,
// stream/accepted, stream/pause, ...). Audio travels as binary messages of
// one type byte, an 8-byte big-endian sample position and the raw payload.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{ServerAddr: "10.0.0.5:8930", Name: "bridge"})
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	accepted, err := client.OpenStream(ctx, open)
package protocol
