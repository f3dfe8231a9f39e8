// Package mcp exposes docindex to MCP clients over stdio.
//
// The server is built on github.com/modelcontextprotocol/go-sdk/mcp and
// registers four tools: docs_search, docs_index, docs_count and
// docs_context. Chunk text returned to clients passes through the secret
// redactor when one is configured.
package mcp
