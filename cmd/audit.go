package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-assist/mbox"
	"github.com/dhcgn/mail-assist/model"
	"github.com/dhcgn/mail-assist/state"
	"github.com/dhcgn/mail-assist/stats"
)

var (
	reportDir        string
	topN             int
	auditState       string
	auditArchive     string
	auditDeletedFile string
	auditFailedFile  string
)

// Report categories, in output order.
var auditCategories = []string{"Status", "Sender", "Reason", "Day"}

type auditReport struct {
	Records  int
	Corrupt  int
	Deleted  int
	Retained int
	Failed   int
	First    time.Time
	Last     time.Time
	Counter  map[string]map[string]int
}

func newAuditReport() *auditReport {
	counter := make(map[string]map[string]int, len(auditCategories))
	for _, c := range auditCategories {
		counter[c] = make(map[string]int)
	}
	return &auditReport{Counter: counter}
}

func (r *auditReport) add(rec model.Outcome) {
	r.Records++
	switch rec.Status {
	case model.StatusDeleted:
		r.Deleted++
	case model.StatusRetained:
		r.Retained++
	case model.StatusFailed:
		r.Failed++
	}

	r.Counter["Status"][string(rec.Status)]++
	if rec.Sender != "" {
		r.Counter["Sender"][rec.Sender]++
	}
	if category := model.ReasonCategory(rec.Reason); category != "" {
		r.Counter["Reason"][category]++
	}
	if !rec.Timestamp.IsZero() {
		r.Counter["Day"][rec.Timestamp.UTC().Format("2006-01-02")]++
		if r.First.IsZero() || rec.Timestamp.Before(r.First) {
			r.First = rec.Timestamp
		}
		if rec.Timestamp.After(r.Last) {
			r.Last = rec.Timestamp
		}
	}
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Summarise the audit logs and write CSV reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deletedPath := resolveStatePath(auditState, auditDeletedFile)
		failedPath := resolveStatePath(auditState, auditFailedFile)
		archivePath := auditArchive

		if auditState == "" {
			cfg, _, cleanup, err := loadRuntime(cmd)
			if err != nil {
				return fmt.Errorf("no --state-dir given and config could not be loaded: %w", err)
			}
			defer func() {
				_ = cleanup()
			}()
			deletedFile, failedFile := cfg.State.DeletedRecordPath, cfg.State.FailedRecordPath
			if cmd.Flags().Changed("deleted-file") {
				deletedFile = auditDeletedFile
			}
			if cmd.Flags().Changed("failed-file") {
				failedFile = auditFailedFile
			}
			deletedPath = resolveStatePath(cfg.State.Dir, deletedFile)
			failedPath = resolveStatePath(cfg.State.Dir, failedFile)
			if archivePath == "" {
				archivePath = cfg.Queue.ArchiveBeforeDelete
			}
		}

		report := newAuditReport()
		for _, path := range []string{deletedPath, failedPath} {
			records, corrupt, err := state.ReadAll(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			report.Corrupt += corrupt
			for _, rec := range records {
				report.add(rec)
			}
		}

		printAudit(report, deletedPath, failedPath)

		if archivePath != "" {
			if err := printArchive(archivePath); err != nil {
				return err
			}
		}

		if err := saveCSVReports(report.Counter, auditCategories, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	auditCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	auditCmd.Flags().StringVar(&auditState, "state-dir", "", "Directory holding the audit logs (defaults to the configured state.dir)")
	auditCmd.Flags().StringVar(&auditDeletedFile, "deleted-file", state.DefaultDeletedFile, "Record file for deleted messages, relative to --state-dir unless absolute")
	auditCmd.Flags().StringVar(&auditFailedFile, "failed-file", state.DefaultFailedFile, "Record file for failed and retained messages, relative to --state-dir unless absolute")
	auditCmd.Flags().StringVar(&auditArchive, "archive", "", "Archive mbox to summarise (defaults to queue_policy.archive_before_delete)")
	rootCmd.AddCommand(auditCmd)
}

func resolveStatePath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func printAudit(r *auditReport, deletedPath, failedPath string) {
	fmt.Printf("Audit logs:\n  %s\n  %s\n\n", deletedPath, failedPath)
	fmt.Printf("Records: %d (replied and deleted %d, replied and retained %d, failed %d)\n",
		r.Records, r.Deleted, r.Retained, r.Failed)
	if r.Corrupt > 0 {
		fmt.Printf("Unreadable lines skipped: %d\n", r.Corrupt)
	}
	if !r.First.IsZero() {
		fmt.Printf("First record: %s\n", r.First.Local().Format(time.RFC3339))
		fmt.Printf("Last record:  %s (%s)\n", r.Last.Local().Format(time.RFC3339), humanize.Time(r.Last))
	}
	fmt.Println()

	for _, category := range auditCategories {
		if category == "Day" {
			continue
		}
		fmt.Printf("Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(r.Counter[category], topN)
		fmt.Println()
	}
}

func printArchive(path string) error {
	var (
		count int
		total uint64
	)
	err := mbox.Read(path, func(m mbox.ArchivedMessage) error {
		count++
		total += uint64(m.Size)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Archive %s does not exist yet\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading archive: %w", err)
	}
	fmt.Printf("Archive %s: %d messages, %s\n", path, count, humanize.IBytes(total))
	return nil
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(category))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		for _, p := range stats.Top(counter[category], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
