/*
Package log provides structured logging for sessiond using zerolog.

It wraps zerolog to give every replica JSON-structured logging with
component-specific child loggers, a configurable level, and a few
helpers for the session/Raft event fields every other package logs.

# Usage

Initializing the logger:

	import "github.com/cuemby/sessiond/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("replica started")
	log.Warn("session liveness timeout approaching")
	log.Error("raft apply failed")

Structured logging:

	log.Logger.Info().
		Uint64("session_id", sid).
		Int("replicas", 3).
		Msg("session registered")

Component loggers:

	raftLog := log.WithComponent("raftlayer")
	raftLog.Info().Msg("leader elected")

# Integration points

  - pkg/raftlayer: logs bootstrap/join, Raft leadership changes, failed expiry proposals, and compaction-watermark warnings
  - pkg/session: logs session register/expire/unregister transitions via WithSession
  - pkg/resource: logs resource instance creation/restore via WithDriver
  - pkg/statemachine: logs compaction-watermark releases via WithResource
  - pkg/server: logs transport and admin listener failures
  - pkg/client: does not log; errors are returned to the caller

# Design patterns

Global logger: one package-level zerolog.Logger, initialized once via
Init, accessible from every package without being passed explicitly.

Context loggers: WithComponent/WithSession/WithResource/WithDriver each
attach a fixed set of fields to every subsequent log line from the
returned logger, avoiding repetitive field specification at call sites
that log about the same session or resource repeatedly.

# Security

Never log session payloads, join tokens, or command/query bytes
verbatim — log their length and resource id instead.
*/
package log
