// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package agent implements the conversational tool-calling agent of convokeeper.

# Overview

An Agent is bound to one conversation id and a shared memory.Memory. Each run
appends the user prompt and then alternates think and act steps until the
model answers without tool calls, calls the terminate tool, or the step
budget is exhausted.

	┌──────────────┐  Run / RunStream   ┌──────────────┐
	│   Manager    │ ─────────────────▶ │    Agent     │
	│ (LRU cache)  │                    │ Idle/Running │
	└──────────────┘                    │ Finished/Err │
	                                    └──────┬───────┘
	                                           │ Think / Act
	                                    ┌──────▼───────┐
	                                    │ToolCallEngine│── llm.Provider
	                                    │ loop detector│── tools.Executor
	                                    └──────────────┘

# State machine

	Idle ──Run──▶ Running ──▶ Finished ──cleanup──▶ Idle
	                 │
	                 └──step error──▶ Error ──Reset──▶ Idle

Only Reset leaves Error. Runs on one instance are serialized by an
instance-scoped mutex; different conversations run in parallel.

# Streaming

RunStream returns a channel that yields, in order, the conversation id,
one event per step, and finally either a done event carrying "[DONE]" or
an error event. The channel is always closed. A consumer that stops
reading must cancel the context it passed in.

# Manager

Manager caches one Agent per conversation id with expire-after-access
semantics and hands errored agents back only after resetting them.
*/
package agent
