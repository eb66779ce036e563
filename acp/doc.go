// Package acp implements the editor-facing protocol engine for wopr-acp.
// An editor client speaks JSON-RPC 2.0 to the engine over a byte stream,
// one message per line (NDJSON).
//
// The engine handles the following requests:
//   - initialize: performs the handshake and reports server capabilities
//   - chat/message: runs one agent turn, enriched with stored editor context
//   - chat/cancel: best-effort cancellation of an in-flight turn
//   - context/update: merges editor state (files, selection, diagnostics,
//     cursor) into the per-session context store
//
// While a turn is streaming, the engine emits chat/streamChunk
// notifications for each text delta and a chat/streamEnd notification
// before the final id-correlated response.
//
// Nothing but protocol frames is ever written to the output stream; debug
// output goes through the trace hook.
package acp
