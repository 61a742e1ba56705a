// Package embeddings turns text into vectors for the retrieval index.
//
// The Service wraps a langchaingo embeddings.Embedder backed by any
// OpenAI-compatible endpoint (OpenAI, TEI, Ollama) and paces outbound calls
// with a client-side rate limiter. Generation latency, batch size and errors
// are recorded as OpenTelemetry metrics.
package embeddings
