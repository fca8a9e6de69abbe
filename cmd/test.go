package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-assist/filter"
	"github.com/dhcgn/mail-assist/imap"
	"github.com/dhcgn/mail-assist/runner"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Echo the most recent trusted message back to its sender",
	Long: "test checks mailbox and SMTP connectivity without calling the language model.\n" +
		"The newest message from a trusted sender is mailed back with a test subject prefix;\n" +
		"nothing is deleted and nothing is written to the audit logs.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		trusted, err := filter.New(filter.Options{TrustedSenders: cfg.TrustedSenders})
		if err != nil {
			return fmt.Errorf("filter.New: %w", err)
		}

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

		r, err := runner.New(runner.Config{}, runner.Deps{
			Mailbox: mailbox,
			Trusted: trusted,
			Sender:  sender,
		}, logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}

		summary, err := r.Echo(ctx)
		switch {
		case errors.Is(err, runner.ErrNoCandidates):
			logger.Info("no message from a trusted sender to echo", "folder", mailbox.Folder())
			return nil
		case err != nil && isTransport(err):
			return fmt.Errorf("connectivity check failed: %w", err)
		case err != nil:
			return err
		}

		logger.Info("test reply sent", "uid", summary.UID, "to", summary.From, "subject", summary.Subject)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
}
