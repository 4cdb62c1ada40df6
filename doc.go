// # Go Session Manager for Realtime Voice AI Services
//
// This repository provides a Go package that establishes, supervises, and tears down a
// bidirectional WebRTC session with a remote realtime AI service: one reliable data
// channel for structured JSON protocol messages plus one media transport for audio. It
// handles the SDP offer/answer exchange, connection timeouts and reconnection, and keeps
// a live session snapshot (transcripts, token usage, rate limits) derived from the
// inbound event stream.
package realtime
