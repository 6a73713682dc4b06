// Package mcp defines the wire types for the Model Context Protocol
// (MCP), a JSON-RPC 2.0 based protocol that exposes tools, resources,
// and prompts to AI clients.
//
// The package is transport-agnostic: it covers the JSON-RPC envelope,
// the closed method set, error codes, content blocks, capability
// negotiation shapes, and the params/result types for every method the
// server dispatches. Protocol revision 2025-11-25 is targeted, with
// 2025-03-26 accepted for backward compatibility.
package mcp
