package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudauth-go/internal/authflow"
	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

// callbackShutdownTimeout bounds the callback server's graceful stop.
const callbackShutdownTimeout = 5 * time.Second

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize a new account via the browser",
		RunE:  runLogin,
	}
}

func runLogin(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	// Ctrl-C resolves the pending flow instead of leaving the relay
	// exchange half done.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	rec, ok, err := m.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, authflow.ErrUserDenied) {
			return fmt.Errorf("authorization was denied in the browser")
		}

		return err
	}

	name := rec.Profile.Name
	if name == "" {
		name = rec.UserID
	}

	if !ok {
		statusf(flagQuiet, "Signed in as %s, but the granted permissions are insufficient for full functionality.\n", name)
		statusf(flagQuiet, "Run 'cloudauth login' again and accept all requested permissions to repair this.\n")

		return nil
	}

	statusf(flagQuiet, "Signed in as %s on %s.\n", name, rec.Backend)

	return nil
}

// loginFlow couples the flow coordinator with a localhost HTTP server
// that receives the browser redirect and feeds it back into the
// coordinator. It satisfies lifecycle.Authenticator.
type loginFlow struct {
	coord  *authflow.Coordinator
	logger *slog.Logger
	listen string
	path   string
}

func newLoginFlow(adapter backend.Adapter, exchanger authflow.TokenExchanger, logger *slog.Logger) *loginFlow {
	lf := &loginFlow{
		logger: logger,
		listen: resolvedCfg.Callback.Listen,
		path:   resolvedCfg.Callback.Path,
	}

	lf.coord = authflow.New(adapter, exchanger, openBrowser, logger)

	return lf
}

// Authenticate starts the callback server, runs the coordinator's flow,
// and shuts the server down again. Context cancellation dismisses the
// pending flow.
func (lf *loginFlow) Authenticate(ctx context.Context) (*credential.Record, error) {
	srv, err := lf.startCallbackServer(ctx)
	if err != nil {
		return nil, err
	}
	defer lf.shutdownCallbackServer(srv)

	return lf.coord.Authenticate(ctx)
}

// startCallbackServer binds the configured listen address and serves
// the redirect path, handing each callback URL to the coordinator.
func (lf *loginFlow) startCallbackServer(ctx context.Context) (*http.Server, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", lf.listen)
	if err != nil {
		return nil, fmt.Errorf("binding callback listener on %s: %w", lf.listen, err)
	}

	lf.logger.Info("callback server listening", slog.String("addr", listener.Addr().String()))

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+lf.path, lf.handleCallback)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: callbackShutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			lf.logger.Warn("callback server error", slog.String("error", serveErr.Error()))
		}
	}()

	return srv, nil
}

// handleCallback feeds the redirect URL into the coordinator and
// renders a closable page for the browser.
func (lf *loginFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	err := lf.coord.Complete(r.URL.String())

	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")
	case errors.Is(err, authflow.ErrStateMismatch):
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
	case errors.Is(err, authflow.ErrUserDenied):
		http.Error(w, "Authorization was denied", http.StatusBadRequest)
	case errors.Is(err, authflow.ErrNoPendingFlow):
		http.Error(w, "No authorization in progress", http.StatusNotFound)
	default:
		http.Error(w, "Authorization failed", http.StatusBadRequest)
	}
}

func (lf *loginFlow) shutdownCallbackServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lf.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// openBrowser launches the platform's default browser. A failure is
// not fatal — the coordinator keeps waiting and the URL is printed so
// the user can open it manually.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", url)

		return err
	}

	return nil
}
