// Package cli implements the imgcaption command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-image-captioner/internal/caption"
	"go-image-captioner/internal/config"
	"go-image-captioner/internal/container"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"
	"go-image-captioner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	image      string
	web        bool
	useAPI     bool
	token      string
	model      string
	maxLength  int
	configPath string
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	lookup caption.LookupFunc
	// listen opens the web server socket.
	listen func(addr string) (net.Listener, error)
}

// hintedError carries follow-up advice printed after the error itself.
type hintedError struct {
	err   error
	hints []string
}

func (e *hintedError) Error() string { return e.err.Error() }
func (e *hintedError) Unwrap() error { return e.err }

// Execute runs the command line and returns the process exit code.
func Execute() int {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		lookup: os.LookupEnv,
		listen: func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
	}
	return a.run(context.Background(), os.Args[1:])
}

func (a *app) run(ctx context.Context, args []string) int {
	cmd := a.newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", message(err))
		var he *hintedError
		if errors.As(err, &he) {
			for _, h := range he.hints {
				fmt.Fprintln(a.stderr, h)
			}
		}
		return 1
	}
	return 0
}

func (a *app) newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "imgcaption",
		Short:         "Caption an image with a local or hosted model",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.web && opts.image == "" {
				cmd.Print(cmd.UsageString())
				return nil
			}

			cfg, err := a.loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			if opts.web {
				return a.runWeb(cmd.Context(), cfg, opts)
			}
			return a.runImage(cmd.Context(), cfg, opts)
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.Flags()
	flags.StringVarP(&opts.image, "image", "i", "", "Image path or URL to caption")
	flags.BoolVar(&opts.web, "web", false, "Serve the upload form instead of captioning one image")
	flags.BoolVar(&opts.useAPI, "use-api", false, "Use the hosted inference API")
	flags.StringVar(&opts.token, "hf-token", "", "Inference API token (defaults to $"+caption.CredentialEnv+")")
	flags.StringVar(&opts.model, "model", "", "Model identifier for the selected backend")
	flags.IntVar(&opts.maxLength, "max-length", config.Defaults().MaxLength, "Maximum caption length in tokens")
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")

	return cmd
}

// loadConfig layers flags over the file and environment configuration.
func (a *app) loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.RemoteModel = opts.model
		cfg.LocalModel = opts.model
	}
	if cmd.Flags().Changed("max-length") {
		cfg.MaxLength = opts.maxLength
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.SetOutput(a.stderr)
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// credentialLookup lets an explicit token stand in for the environment so
// the web form picks it up too.
func (a *app) credentialLookup(token string) caption.LookupFunc {
	if token == "" {
		return a.lookup
	}
	return func(key string) (string, bool) {
		if key == caption.CredentialEnv {
			return token, true
		}
		if a.lookup == nil {
			return os.LookupEnv(key)
		}
		return a.lookup(key)
	}
}

func (a *app) runImage(ctx context.Context, cfg *config.Config, opts *options) error {
	c, err := container.NewContainer(cfg, container.WithLookup(a.credentialLookup(opts.token)))
	if err != nil {
		return err
	}

	cred := caption.NewCredential(opts.token)
	backend := caption.SelectBackend(opts.useAPI, cred, a.lookup)
	model := cfg.LocalModel
	if backend == caption.BackendRemote {
		model = cfg.RemoteModel
	}
	fmt.Fprintf(a.stderr, "Generating caption (backend=%s, model=%s)...\n", backend, model)

	resp, err := c.CaptionService().CaptionReference(ctx, opts.image, service.CaptionOptions{
		Backend:    backend,
		Credential: cred,
		Model:      model,
		MaxLength:  cfg.MaxLength,
	})
	if err != nil {
		return &hintedError{err: err, hints: hints(err, backend, cfg)}
	}

	fmt.Fprintln(a.stdout, resp.Caption)
	return nil
}

func (a *app) runWeb(ctx context.Context, cfg *config.Config, opts *options) error {
	c, err := container.NewContainer(cfg, container.WithLookup(a.credentialLookup(opts.token)))
	if err != nil {
		return err
	}

	if !opts.useAPI {
		if err := c.ProbeLocal(ctx); err != nil {
			logger.WithError(err).Warn("Local captioning is unavailable; submit the form with the API option")
			for _, h := range hints(err, caption.BackendLocal, cfg) {
				fmt.Fprintln(a.stderr, h)
			}
		}
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler, err := c.Handler()
	if err != nil {
		return err
	}

	ln, err := a.listen(cfg.ServerAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ServerAddress(), err)
	}

	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, server, ln)
}

// serve runs server on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": ln.Addr().String(),
			"timeout": server.ReadTimeout,
		}).Info("Starting HTTP server")

		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

func hints(err error, backend caption.Backend, cfg *config.Config) []string {
	appErr, ok := apperrors.As(err)
	if !ok {
		return nil
	}

	switch {
	case appErr.Type == apperrors.ErrorTypeDependency && backend == caption.BackendLocal:
		var out []string
		switch cfg.LocalRuntime {
		case config.RuntimeLlavaCpp:
			out = append(out, "Point LLAVA_BINARY, LLAVA_MODEL and LLAVA_MMPROJ at a llava.cpp build and its model files.")
		default:
			out = append(out,
				fmt.Sprintf("Start Ollama (%s) and run: ollama pull %s", cfg.OllamaHost, cfg.LocalModel))
		}
		return append(out, fmt.Sprintf("Or rerun with --use-api and set %s.", caption.CredentialEnv))
	case appErr.Type == apperrors.ErrorTypeRemote && appErr.UpstreamStatus == http.StatusServiceUnavailable:
		return []string{"The model may still be loading on the inference endpoint; try again shortly."}
	case appErr.Type == apperrors.ErrorTypeRemote && appErr.UpstreamStatus == http.StatusUnauthorized:
		return []string{fmt.Sprintf("Check the token passed with --hf-token or %s.", caption.CredentialEnv)}
	}
	return nil
}

func message(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}
