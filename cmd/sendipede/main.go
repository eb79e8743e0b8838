// Package main is the entry point for sendipede.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/sendipede/internal/config"
	"github.com/shineum/sendipede/internal/dispatch"
	"github.com/shineum/sendipede/internal/dkim"
	"github.com/shineum/sendipede/internal/errs"
	"github.com/shineum/sendipede/internal/runner"
	"github.com/shineum/sendipede/internal/transport"
	"github.com/shineum/sendipede/internal/transport/graph"
	"github.com/shineum/sendipede/internal/transport/ses"
	"github.com/shineum/sendipede/internal/transport/smtp"
	"github.com/shineum/sendipede/internal/transport/stdout"
)

const defaultReceivers = "addresses.csv"

// Exit codes.
const (
	exitOK = iota
	exitConfig
	exitInput
	exitAuth
	exitTransport
	exitRecipients
)

// errRecipientFailures is returned in strict mode when the run completed but
// at least one recipient was rejected.
var errRecipientFailures = errors.New("run completed with recipient failures")

// configError marks failures that happen before any input is read.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// attachList collects repeated -attach flags.
type attachList []string

func (a *attachList) String() string {
	return strings.Join(*a, ",")
}

func (a *attachList) Set(path string) error {
	*a = append(*a, path)
	return nil
}

type options struct {
	configPath    string
	configSet     bool
	receiversPath string
	messagePath   string
	attachments   []string
	strict        bool
}

func main() {
	fs := flag.NewFlagSet("sendipede", flag.ContinueOnError)
	opts, err := parseFlags(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(exitOK)
	}
	if err != nil {
		fmt.Fprintln(fs.Output(), err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, opts)
	if err != nil {
		slog.Error("sendipede failed", "error", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// parseFlags reads the command line. Positional arguments after the message
// file are treated as additional attachments.
func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var (
		opts    options
		attachs attachList
	)
	fs.StringVar(&opts.configPath, "config", config.DefaultPath, "path to the YAML configuration file")
	fs.StringVar(&opts.configPath, "c", config.DefaultPath, "shorthand for -config")
	fs.StringVar(&opts.receiversPath, "receivers", defaultReceivers, "CSV file with one recipient address per row")
	fs.StringVar(&opts.receiversPath, "r", defaultReceivers, "shorthand for -receivers")
	fs.Var(&attachs, "attach", "file to attach (repeatable)")
	fs.Var(&attachs, "a", "shorthand for -attach")
	fs.BoolVar(&opts.strict, "strict", false, "exit non-zero when any recipient was rejected")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sendipede [flags] message.txt [attachment...]\n\n")
		fmt.Fprintf(fs.Output(), "The first line of message.txt is the subject, the rest is the body.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return options{}, errors.New("missing message file")
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "c" {
			opts.configSet = true
		}
	})
	opts.messagePath = fs.Arg(0)
	opts.attachments = append([]string(attachs), fs.Args()[1:]...)
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(opts)
	if err != nil {
		return &configError{err: err}
	}

	logger := setupLogger(logWriter(cfg), cfg.Logging.Level, cfg.Logging.Format)

	t, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return &configError{err: err}
	}

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if cfg.DKIMEnabled() {
		signer, err := dkim.Load(cfg.DKIM.Selector, cfg.DKIM.Domain, cfg.DKIM.KeyFile)
		if err != nil {
			return &configError{err: err}
		}
		logger.Info("dkim signing enabled", "selector", signer.Selector(), "domain", cfg.DKIM.Domain)
		dispatchOpts = append(dispatchOpts, dispatch.WithSigner(signer))
	}

	logger.Info("starting sendipede",
		"transport", t.Name(),
		"sender", cfg.Sender,
		"session_size", cfg.SessionSize(),
		"auth_enabled", cfg.AuthEnabled(),
	)

	r := runner.New(t, dispatch.New(cfg.Sender, dispatchOpts...), cfg.SessionSize(), logger)
	summary, err := r.Run(ctx, runner.Job{
		MessagePath:   opts.messagePath,
		RecipientPath: opts.receiversPath,
		Attachments:   opts.attachments,
	})
	if err != nil {
		return err
	}

	logger.Info("summary",
		"recipients", summary.Recipients,
		"attempted", summary.Attempted(),
		"delivered", summary.Delivered,
		"failed", summary.Failed,
	)
	if opts.strict && summary.Failed > 0 {
		return errRecipientFailures
	}
	return nil
}

// loadConfig reads the YAML file with environment overrides. When no file
// was named and the default one is absent, the environment alone is used.
func loadConfig(opts options) (*config.Config, error) {
	if !opts.configSet {
		if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
			return config.Load()
		}
	}
	return config.LoadFromFile(opts.configPath)
}

// newTransport builds the delivery backend selected by cfg.Transport.
func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportSMTP:
		helo := cfg.Server.Helo
		if helo == "" {
			if host, err := os.Hostname(); err == nil {
				helo = host
			}
		}
		logger.Info("using smtp transport",
			"server", cfg.Server.Name,
			"port", cfg.Server.Port,
			"ssl", cfg.Server.SSL,
		)
		return smtp.New(smtp.Config{
			Host:     cfg.Server.Name,
			Port:     cfg.Server.Port,
			SSL:      cfg.Server.SSL,
			Identity: cfg.AuthIdentity(),
			Password: cfg.Server.Password,
			Helo:     helo,
			CAFile:   cfg.Server.CAFile,
			Timeout:  cfg.Server.Timeout,
		}, logger), nil

	case config.TransportSES:
		logger.Info("using AWS SES transport", "region", cfg.SES.Region)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		}, logger)

	case config.TransportGraph:
		logger.Info("using Microsoft Graph transport", "client_id", cfg.Graph.ClientID)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}, logger), nil

	case config.TransportStdout:
		logger.Info("using stdout transport")
		return stdout.New(logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// logWriter keeps logs off stdout when the stdout transport prints messages
// there.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Transport == config.TransportStdout {
		return os.Stderr
	}
	return os.Stdout
}

// setupLogger builds the run logger and installs it as the default.
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// exitCode maps an error returned by run to the process exit status.
func exitCode(err error) int {
	var (
		cfgErr   *configError
		inputErr *errs.InputError
		attErr   *errs.AttachmentError
		authErr  *errs.AuthenticationError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &inputErr), errors.As(err, &attErr), errors.Is(err, errs.ErrMalformedMessage):
		return exitInput
	case errors.As(err, &authErr):
		return exitAuth
	case errors.Is(err, errRecipientFailures):
		return exitRecipients
	default:
		return exitTransport
	}
}
