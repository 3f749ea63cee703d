// Package relay bridges a user's chat turn to the relay server running in
// the agent's sandbox.
//
// Bridge.Open validates the message, resolves or creates the chat session,
// stores the user message, obtains a sandbox and posts the recent history to
// the relay's /chat endpoint. The returned Turn carries the session ID before
// any frame is streamed.
//
// Turn.Relay copies every SSE frame to the caller unchanged while
// accumulating delta content. When the stream ends, however it ends, the
// accumulated reply is stored as one assistant message and the sandbox is
// touched. A failed upstream read is reported to the caller as a synthetic
// "Stream interrupted" error frame.
package relay
