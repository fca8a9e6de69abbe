package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-assist/completion"
	"github.com/dhcgn/mail-assist/config"
	"github.com/dhcgn/mail-assist/extract"
	"github.com/dhcgn/mail-assist/filter"
	"github.com/dhcgn/mail-assist/imap"
	"github.com/dhcgn/mail-assist/mbox"
	"github.com/dhcgn/mail-assist/progress"
	"github.com/dhcgn/mail-assist/prompt"
	"github.com/dhcgn/mail-assist/runner"
	"github.com/dhcgn/mail-assist/smtp"
	"github.com/dhcgn/mail-assist/state"
	"github.com/dhcgn/mail-assist/stats"
)

var noDelete bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every queued message from trusted senders once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if noDelete {
			cfg.Queue.DeleteAfterSuccess = false
		}

		runID := uuid.NewString()
		logger.Info("starting mail-assist",
			"run", runID,
			"config", cfg.ConfigPath,
			"folder", cfg.IMAP.Folder,
			"trusted", len(cfg.TrustedSenders),
			"model", cfg.LLM.Model,
			"deleteAfterSuccess", cfg.Queue.DeleteAfterSuccess)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, runID, logger)
	},
}

func init() {
	runCmd.Flags().BoolVar(&noDelete, "no-delete", false, "Keep messages in the mailbox after a successful reply")
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg config.Config, runID string, base *slog.Logger) error {
	logger := base.With("run", runID)

	trusted, err := filter.New(filter.Options{TrustedSenders: cfg.TrustedSenders})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	ledger, err := state.Open(state.Options{
		Dir:         cfg.State.Dir,
		DeletedFile: cfg.State.DeletedRecordPath,
		FailedFile:  cfg.State.FailedRecordPath,
	})
	if err != nil {
		return fmt.Errorf("state.Open: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("closing audit logs", "err", err)
		}
	}()
	deletedPath, failedPath := ledger.Paths()
	logger.Debug("audit logs", "deleted", deletedPath, "failed", failedPath)

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}

	mailbox, err := imap.Dial(ctx, imapOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("imap.Dial: %w", err)
	}
	defer func() {
		if err := mailbox.Close(); err != nil {
			logger.Debug("closing mailbox", "err", err)
		}
	}()

	deps := runner.Deps{
		Mailbox: mailbox,
		Trusted: trusted,
		Extractor: extract.New(extract.Limits{
			Enabled:  cfg.Attachments.IncludePDFDocx,
			MaxBytes: cfg.Attachments.MaxBytes(),
			Timeout:  cfg.Attachments.Timeout(),
		}, logger),
		Completer: completion.New(completion.Config{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Timeout:     cfg.LLM.Timeout(),
		}, logger),
		Sender: sender,
		Ledger: ledger,
	}

	if cfg.Queue.ArchiveBeforeDelete != "" {
		archiver, err := mbox.NewArchiver(cfg.Queue.ArchiveBeforeDelete, logger)
		if err != nil {
			return fmt.Errorf("mbox.NewArchiver: %w", err)
		}
		deps.Archiver = archiver
	}

	r, err := runner.New(runner.Config{
		RunID:            runID,
		DeleteAfterReply: cfg.Queue.DeleteAfterSuccess,
		MaxFailures:      cfg.Queue.MaxFailures,
		Prompt: prompt.Limits{
			MaxBodyChars:       cfg.Prompt.MaxBodyChars,
			MaxAttachmentChars: cfg.Prompt.MaxAttachmentChars,
			MaxTotalChars:      cfg.Prompt.MaxTotalChars,
		},
		Retry: runner.RetryPolicy{
			MaxAttempts:     cfg.Queue.RetryAttempts,
			InitialInterval: seconds(cfg.Queue.RetryInitialInterval),
			MaxInterval:     seconds(cfg.Queue.RetryMaxInterval),
		},
	}, deps, base)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	var bar *progress.Bar
	if cfg.Progress {
		bar = progress.New(cfg.LogLevel)
	}
	progress.NewProgressReporter(r, bar, logger)

	summary, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		logger.Warn("some messages failed and remain queued", "failed", summary.Failed, "failedLog", failedPath)
	}
	return nil
}

func newSender(cfg config.Config, logger *slog.Logger) (*smtp.Sender, error) {
	sender, err := smtp.New(smtp.Options{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		From:               cfg.SMTP.From(),
		UseTLS:             cfg.SMTP.UseSSL,
		StartTLS:           cfg.SMTP.UseTLS,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		Timeout:            cfg.SMTP.Timeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("smtp.New: %w", err)
	}
	return sender, nil
}

func imapOptions(cfg config.Config) imap.Options {
	return imap.Options{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		UseTLS:             cfg.IMAP.UseSSL,
		StartTLS:           cfg.IMAP.StartTLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Folder:             cfg.IMAP.Folder,
		Timeout:            cfg.IMAP.Timeout(),
	}
}

// isTransport reports whether err came from the mailbox or reply connection.
func isTransport(err error) bool {
	var imapErr *imap.TransportError
	var smtpErr *smtp.TransportError
	return errors.As(err, &imapErr) || errors.As(err, &smtpErr)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
