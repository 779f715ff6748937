package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/extids"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serverVersion = "0.1.0"

func newServeCmd(g *globals) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve external id lookups as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, closeFn, err := g.openIDs()
			if err != nil {
				return err
			}
			defer closeFn()

			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, g.log)
				defer stop()
			}

			g.log.Info("serving MCP over stdio", zap.String("repo", g.repo), zap.String("ref", g.ref))
			return server.ServeStdio(newMCPServer(ids))
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus /metrics (disabled when empty)")
	return cmd
}

func serveMetrics(addr string, log *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) // best effort on exit
	}
}

func newMCPServer(ids *extids.ExternalIDs) *server.MCPServer {
	s := server.NewMCPServer("extidcache", serverVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("lookup_key",
		mcp.WithDescription("Look up the external id with the given key"),
		mcp.WithString("key", mcp.Required(), mcp.Description("External id as scheme:id, e.g. mailto:a@example.com")),
	), lookupKeyHandler(ids))

	s.AddTool(mcp.NewTool("lookup_account",
		mcp.WithDescription("List the external ids owned by an account"),
		mcp.WithNumber("account", mcp.Required(), mcp.Description("Account id"), mcp.Min(1)),
	), lookupAccountHandler(ids))

	s.AddTool(mcp.NewTool("lookup_email",
		mcp.WithDescription("List the external ids bound to an email address (case-insensitive)"),
		mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
	), lookupEmailHandler(ids))

	return s
}

func lookupKeyHandler(ids *extids.ExternalIDs) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		r, ok, err := ids.Get(ctx, extid.ParseKey(key))
		if err != nil {
			return mcp.NewToolResultErrorFromErr("lookup failed", err), nil
		}
		if !ok {
			return mcp.NewToolResultError("external id " + key + " not found"), nil
		}
		return jsonResult(extids.ToAPI(r))
	}
}

func lookupAccountHandler(ids *extids.ExternalIDs) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		account, err := req.RequireInt("account")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		recs, err := ids.ByAccount(ctx, account)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("lookup failed", err), nil
		}
		return jsonResult(extids.ToAPIList(recs))
	}
}

func lookupEmailHandler(ids *extids.ExternalIDs) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		recs, err := ids.ByEmail(ctx, email)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("lookup failed", err), nil
		}
		return jsonResult(extids.ToAPIList(recs))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
