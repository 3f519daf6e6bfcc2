// Package agents wires configuration, the model client, and the MCP toolset
// into ready-to-run engines, one per agent profile.
package agents

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/machinecore/machine/internal/errs"
)

// Profile describes one agent personality: its system prompt and, optionally,
// the subset of configured MCP servers it may use. An empty Servers list means
// every enabled server.
type Profile struct {
	Name        string
	Description string
	System      string
	Servers     []string
}

var profiles = map[string]Profile{
	"chat": {
		Name:        "chat",
		Description: "General-purpose assistant.",
		System: "You are a helpful assistant. Answer concisely and use the " +
			"available tools when they can ground your answer in real data. " +
			"When you have enough information, reply with the final answer " +
			"and stop calling tools.",
	},
	"cli": {
		Name:        "cli",
		Description: "Shell command helper.",
		System: "You are a command-line expert for the user's operating " +
			"system. Respond with a single shell command that accomplishes " +
			"the task, without markdown fences or commentary. If the task is " +
			"ambiguous or dangerous, say so instead of guessing.",
	},
	"receipts": {
		Name:        "receipts",
		Description: "Expense and receipt extraction.",
		Servers:     []string{"receipts"},
		System: "You extract structured data from receipts and invoices. " +
			"Use the receipt tools to look up documents, then report vendor, " +
			"date, line items and totals as compact JSON. Never invent values " +
			"that are not in the source document.",
	},
	"rag": {
		Name:        "rag",
		Description: "Retrieval-augmented answering over indexed documents.",
		Servers:     []string{"search"},
		System: "You answer questions using the document search tools. " +
			"Always search before answering, cite the documents you used, " +
			"and say plainly when the indexed corpus does not cover the " +
			"question.",
	},
}

// Get returns the named profile.
func Get(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, errs.Error{
			Err:    fmt.Errorf("unknown profile %q", name),
			Reason: fmt.Sprintf("Available profiles are: %s.", strings.Join(Names(), ", ")),
		}
	}
	return p, nil
}

// Names returns the available profile names in stable order.
func Names() []string {
	return slices.Sorted(maps.Keys(profiles))
}
