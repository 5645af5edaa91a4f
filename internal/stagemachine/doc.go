// Package stagemachine implements the hierarchical stage graph that
// sequences a generation session's sub-agents: draft, handlers, frontend,
// complete, with failure reachable from any invoke on error, plus an
// optional legacy typespec/drizzle/typescript/handler_tests pipeline ahead
// of handlers. Each work state either invokes a sub-agent and folds its
// result into the session context, or declares event-driven transitions for
// review states awaiting CONFIRM/REVISE_<stage>.
//
// Mid-stage refinement is underdetermined upstream: whether a refinement
// request reuses the same stream turn or opens a fresh one is left to the
// caller. The machine surfaces it uniformly as a RefinementRequest event and
// a state that accepts either a CONFIRM-shaped event or a new prompt; this
// is an interpretation pending product confirmation, not a documented
// contract.
package stagemachine
