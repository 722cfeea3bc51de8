// Package encoder turns text into fixed-dimension embedding vectors using an
// out-of-process worker, so the orchestrator never blocks on model load and
// never holds the model in its own address space.
//
// Components:
//   - Model: the embedding model itself (hash-projection by default, ONNX
//     MiniLM behind the "onnx" build tag)
//   - Serve: the worker side; a line-delimited JSON request/response loop over
//     stdin/stdout that self-terminates when its parent process disappears
//   - Supervisor: the client side; owns worker spawn, readiness and shutdown,
//     and exposes a single-flight Encode
//
// Protocol (one JSON object per line):
//
//	-> {"text": "..."} | {"texts": ["...", ...]} | {"cmd": "quit"}
//	<- {"vector": [...]} | {"vectors": [[...], ...]} | {"status": "ready"} | {"error": "..."}
//
// The worker emits {"status":"ready"} as its first line only after the model
// finished loading, and {"error":...} followed by exit if loading fails.
package encoder
