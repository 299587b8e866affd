package engine

import (
	"fmt"
	"sort"
	"sync"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// ApprovalPolicy decides whether a tool runs on its own or waits for a human.
type ApprovalPolicy string

const (
	PolicyAuto             ApprovalPolicy = "auto"
	PolicyApprovalRequired ApprovalPolicy = "approval_required"
)

// ApprovalGate maps tool names to approval policies. Unknown tools are auto-approved.
type ApprovalGate struct {
	mu       sync.RWMutex
	policies map[string]ApprovalPolicy
}

// NewApprovalGate creates a gate from an explicit policy table.
func NewApprovalGate(policies map[string]ApprovalPolicy) *ApprovalGate {
	g := &ApprovalGate{policies: make(map[string]ApprovalPolicy, len(policies))}
	for name, p := range policies {
		g.policies[name] = p
	}
	return g
}

// NewApprovalGateForRegistry derives policies from tools that declare
// RequiresApproval, then applies the required and auto overrides in that order.
func NewApprovalGateForRegistry(registry *Registry, required, auto []string) *ApprovalGate {
	g := NewApprovalGate(nil)
	for _, tool := range registry.Tools() {
		if d, ok := tool.(ports.ApprovalDeclarer); ok && d.RequiresApproval() {
			g.SetPolicy(tool.Name(), PolicyApprovalRequired)
		}
	}
	for _, name := range required {
		g.SetPolicy(name, PolicyApprovalRequired)
	}
	for _, name := range auto {
		g.SetPolicy(name, PolicyAuto)
	}
	return g
}

// SetPolicy assigns p to the named tool.
func (g *ApprovalGate) SetPolicy(name string, p ApprovalPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[name] = p
}

// Policy returns the policy of the named tool.
func (g *ApprovalGate) Policy(name string) ApprovalPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[name]; ok {
		return p
	}
	return PolicyAuto
}

// RequiresApproval reports whether the named tool must wait for a human decision.
func (g *ApprovalGate) RequiresApproval(name string) bool {
	return g.Policy(name) == PolicyApprovalRequired
}

// FirstGated returns the first call in calls that requires approval.
func (g *ApprovalGate) FirstGated(calls []ports.ToolCallRequest) (ports.ToolCallRequest, bool) {
	for _, call := range calls {
		if g.RequiresApproval(call.Name) {
			return call, true
		}
	}
	return ports.ToolCallRequest{}, false
}

// Gated lists the names of all approval-required tools, sorted.
func (g *ApprovalGate) Gated() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var names []string
	for name, p := range g.policies {
		if p == PolicyApprovalRequired {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ParseApprovalPolicy parses a policy name from configuration.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch ApprovalPolicy(s) {
	case PolicyAuto, PolicyApprovalRequired:
		return ApprovalPolicy(s), nil
	}
	return "", fmt.Errorf("unknown approval policy %q", s)
}
