/*
Package log provides structured logging for rtrmd using zerolog.

The log package wraps zerolog to give every daemon component JSON-structured
logging with component-specific loggers, a configurable level, and helper
functions for the context rtrmd actually carries around: applications, EXCs,
and recipes.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: add a component name to all logs
  - WithApplication: add the application's pid
  - WithExc: add an execution context's pid and EXC number
  - WithRecipe: add a recipe's name and version

# Log Levels

Debug Level:
  - Purpose: detailed debugging information
  - Usage: development and troubleshooting
  - Example: "evaluating AWM 2 for exc 1234:0"

Info Level:
  - Purpose: general informational messages
  - Usage: default production level
  - Example: "exc 1234:0 registered recipe demo v3"

Warn Level:
  - Purpose: potential issues or unexpected conditions
  - Usage: situations that may require attention
  - Example: "sync round missed deadline for exc 1234:0"

Error Level:
  - Purpose: operation failures that need investigation
  - Usage: failed operations, exceptions
  - Example: "cgroup actuation failed: no such file or directory"

Fatal Level:
  - Purpose: critical errors causing process termination
  - Usage: unrecoverable errors only
  - Behavior: logs message and exits process (os.Exit(1))
  - Example: "failed to bind control fifo: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/rtrm/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("rtrmd starting")
	log.Debug("scanning recipe directory")
	log.Warn("sync round slack exhausted")
	log.Error("failed to open control cgroup")
	log.Fatal("cannot start without a writable fifo directory") // exits process

Structured Logging:

	log.Logger.Info().
		Str("exc", excID.String()).
		Int("awm", awm.ID).
		Msg("working mode assigned")

	log.Logger.Error().
		Err(err).
		Str("exc", excID.String()).
		Msg("pre-change estimate rejected")

Context Loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("starting scheduling round")

	excLog := log.WithExc(excID.Pid, excID.ExcNum)
	excLog.Info().Msg("exc promoted to running")

	recipeLog := log.WithRecipe("demo", 3)
	recipeLog.Debug().Msg("recipe loaded")

Complete Example:

	package main

	import (
		"errors"
		"os"

		"github.com/cuemby/rtrm/pkg/log"
	)

	func main() {
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("rtrmd starting")

		schedulerLog := log.WithComponent("scheduler")
		schedulerLog.Info().
			Str("exc", "1234:0").
			Int("candidates", 5).
			Msg("scheduling round")

		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "rpc").
			Msg("failed to accept application connection")

		log.Info("rtrmd stopped")
	}

# Integration Points

This package is used by:

  - pkg/appmanager: logs EXC registration, state transitions
  - pkg/scheduler: logs scheduling decisions and rejections
  - pkg/sync: logs the four-phase reconfiguration round
  - pkg/platform: logs cgroup and process actuation
  - pkg/rpc: logs control-channel connection lifecycle
  - cmd/rtrmd: logs daemon startup and shutdown

# Log Output Examples

JSON Format (production):

	{"level":"info","component":"scheduler","time":"2026-07-30T10:30:00Z","message":"scheduling round"}
	{"level":"warn","component":"sync","exc":"1234:0","time":"2026-07-30T10:30:01Z","message":"sync round missed deadline"}
	{"level":"error","component":"platform","exc":"1234:0","error":"no such file or directory","time":"2026-07-30T10:30:02Z","message":"cgroup actuation failed"}

Console Format (development):

	2026-07-30T10:30:00Z INF scheduling round component=scheduler
	2026-07-30T10:30:01Z WRN sync round missed deadline component=sync exc=1234:0
	2026-07-30T10:30:02Z ERR cgroup actuation failed component=platform exc=1234:0 error="no such file or directory"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at daemon start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields (exc, recipe, component)
  - Pass context loggers into the call chain
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err) instead of string concatenation
  - Parseable by log aggregation tools

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component and exc-specific loggers
  - Log errors with .Err() for consistent formatting

Don't:
  - Log secrets, tokens, or raw option strings from unmanaged applications
  - Use Debug level in production
  - Log in the scheduler hot path on every tick
  - Concatenate strings into the message itself

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
