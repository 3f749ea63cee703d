// Package client is a Go client for the forge-gateway HTTP API.
//
// # Chat
//
// Chat posts one message and consumes the SSE reply, calling onDelta for
// every chunk of text as it arrives. The returned Turn always says how the
// turn ended:
//
//   - completed: the stream finished and Text holds the full reply
//   - stopped: the caller's context was cancelled; Text keeps what arrived,
//     or "(stopped)" when nothing did
//   - failed: a network error, an error frame or a non-2xx response; Err
//     explains it and partial text is discarded
//
// # Usage
//
//	c := client.New("http://localhost:8080", token, nil)
//	turn := c.Chat(ctx, agentID, "", "hello", func(s string) { fmt.Print(s) })
//	if turn.Err != nil {
//		return turn.Err
//	}
package client
