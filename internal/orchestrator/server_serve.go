package orchestrator

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
)

// Serve runs the MCP server over stdio. It blocks until the stdin stream
// ends, so there is no separate shutdown path for this transport.
func (ms *MCPServer) Serve() error {
	ms.logger.Info("serving MCP over stdio")
	return server.ServeStdio(ms.server)
}

// ServeSSE runs the MCP server over HTTP/SSE on addr, mounted under
// basePath. It blocks until the listener fails or Shutdown is called.
func (ms *MCPServer) ServeSSE(addr, basePath string) error {
	sse := server.NewSSEServer(ms.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath(basePath),
	)

	ms.sseMu.Lock()
	ms.sse = sse
	ms.sseMu.Unlock()

	ms.logger.Info("serving MCP over HTTP/SSE",
		"address", addr,
		"base_path", basePath)
	return sse.Start(addr)
}

// Shutdown stops the SSE listener if one is serving. It is a no-op for
// stdio serving and before ServeSSE has run.
func (ms *MCPServer) Shutdown(ctx context.Context) error {
	ms.sseMu.Lock()
	sse := ms.sse
	ms.sseMu.Unlock()
	if sse == nil {
		return nil
	}
	return sse.Shutdown(ctx)
}
