// Package deploy implements the Deployment Orchestrator (C10): rolling,
// canary, and blue-green rollout sequencing over the Agent<->Controller
// channel, with health gating and rollback.
package deploy
