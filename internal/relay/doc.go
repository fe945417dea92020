// Package relay implements the live-handoff pipeline that moves PCM audio
// from a call into an external consumer process.
//
// The pipeline is built from a handful of small pieces that are wired
// together by [Session]:
//
//   - [FrameQueue]: bounded mailbox between the frame producer and the pump.
//     Offers never block; a full queue drops the frame.
//   - [Consumer]: the external process and its stdin pipe.
//   - [Pump]: the only goroutine that writes to the consumer's stdin.
//   - [Monitor]: watches the consumer for an exit outside of shutdown.
//   - [StopController]: one-shot latch every stop trigger fires into.
//
// Once the StopController fires, [Session.Run] tears everything down in a
// fixed order regardless of which trigger won.
package relay
