// Package domain holds the core entity types shared across the engine:
// campaigns, recipients, messages, and engagement events.
//
// Types here carry no behavior beyond state-machine checks and small
// accessors. Business logic lives in the orchestrator and analytics
// packages; persistence lives in store implementations.
package domain
