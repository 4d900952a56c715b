package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hl7v2"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "intake-server",
		Short:        "Patient roster intake and HL7 v2 ADT sender",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(listenCmd())
	root.AddCommand(checkCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer a.close()

			return a.run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the job archive schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.UpTo(ctx, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.HasDatabase() {
		return fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// listenCmd runs a throwaway MLLP receiver that answers every message with a
// fixed acknowledgment code.
func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a local MLLP receiver for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			code, _ := cmd.Flags().GetString("ack")
			text, _ := cmd.Flags().GetString("text")

			code = strings.ToUpper(strings.TrimSpace(code))
			if !validAckCode(code) {
				return fmt.Errorf("--ack must be one of AA, AE, AR, CA, CE, CR; got %q", code)
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			srv := hl7v2.NewMLLPServer(addr, loggingAckHandler(logger, code, text), logger)
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()
			logger.Info().Str("addr", srv.Addr()).Str("ack", code).Msg("MLLP receiver listening")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info().Msg("MLLP receiver stopping")
			return nil
		},
	}
	cmd.Flags().String("addr", ":2575", "Listen address")
	cmd.Flags().String("ack", "AA", "Acknowledgment code to return")
	cmd.Flags().String("text", "", "Text for MSA-3")
	return cmd
}

func validAckCode(code string) bool {
	switch code {
	case "AA", "AE", "AR", "CA", "CE", "CR":
		return true
	}
	return false
}

func loggingAckHandler(logger zerolog.Logger, code, text string) hl7v2.MessageHandler {
	ack := hl7v2.AckHandler(code, text)
	return func(msg *hl7v2.Message) *hl7v2.Message {
		logger.Info().
			Str("type", msg.Type).
			Str("control_id", msg.ControlID).
			Msg("message received")
		return ack(msg)
	}
}

// checkCmd previews a file offline with keyword mapping and prints what an
// upload would report. Nothing is stored or sent.
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a roster file without uploading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			charset, _ := cmd.Flags().GetString("charset")
			maxRows, _ := cmd.Flags().GetInt("max-rows")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			report, err := checkFile(args[0], f, roster.ReaderOptions{Charset: charset, MaxRows: maxRows})
			if err != nil {
				if hint := intake.HintForError(err); hint != "" {
					return fmt.Errorf("%w (%s)", err, hint)
				}
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	cmd.Flags().String("charset", "", "Charset of delimited files (default UTF-8 with Windows-1252 fallback)")
	cmd.Flags().Int("max-rows", 10000, "Reject files with more data rows")
	return cmd
}

type checkReport struct {
	File          string               `json:"file"`
	Total         int                  `json:"totalRecords"`
	Valid         int                  `json:"validRecords"`
	Invalid       int                  `json:"invalidRecords"`
	ColumnMapping roster.ColumnMapping `json:"columnMapping"`
	Problems      []checkProblem       `json:"problems"`
}

type checkProblem struct {
	Index    int                        `json:"index"`
	MRN      string                     `json:"mrn"`
	Status   string                     `json:"status"`
	Messages []roster.ValidationMessage `json:"messages"`
	Hint     string                     `json:"hint,omitempty"`
}

func checkFile(name string, r io.Reader, opts roster.ReaderOptions) (*checkReport, error) {
	table, err := roster.ReadTable(name, r, opts)
	if err != nil {
		return nil, err
	}
	mapping, err := roster.NewKeywordMapper().Map(context.Background(), table.Headers)
	if err != nil {
		return nil, err
	}

	records := roster.BuildRecords(table.Rows, mapping, roster.NewValidator())
	report := &checkReport{
		File:          name,
		Total:         len(records),
		ColumnMapping: mapping,
		Problems:      []checkProblem{},
	}
	report.Valid, report.Invalid = roster.Summary(records)

	for _, rec := range records {
		if len(rec.ValidationMessages) == 0 {
			continue
		}
		p := checkProblem{
			Index:    rec.Index,
			MRN:      rec.MRN,
			Status:   rec.ValidationStatus,
			Messages: rec.ValidationMessages,
		}
		if !rec.Valid() {
			p.Hint = intake.HintForRecord(rec)
		}
		report.Problems = append(report.Problems, p)
	}
	return report, nil
}

func (r *checkReport) print(w io.Writer) {
	fmt.Fprintf(w, "%s: %d record(s), %d valid, %d invalid (mapping: %s)\n",
		r.File, r.Total, r.Valid, r.Invalid, r.ColumnMapping.Strategy)
	for _, header := range slices.Sorted(maps.Keys(r.ColumnMapping.Mappings)) {
		fmt.Fprintf(w, "  %-24s -> %s\n", header, r.ColumnMapping.Mappings[header])
	}
	for _, h := range r.ColumnMapping.Unmapped {
		fmt.Fprintf(w, "  %-24s (unmapped)\n", h)
	}
	for _, p := range r.Problems {
		fmt.Fprintf(w, "row %d [%s]", p.Index, p.Status)
		if p.MRN != "" {
			fmt.Fprintf(w, " mrn=%s", p.MRN)
		}
		fmt.Fprintln(w)
		for _, m := range p.Messages {
			fmt.Fprintf(w, "  tier %d %s %s: %s\n", m.Tier, m.Severity, m.Field, m.Message)
		}
		if p.Hint != "" {
			fmt.Fprintf(w, "  hint: %s\n", p.Hint)
		}
	}
}
