package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/casemerge/internal/merge"
	"github.com/ehr/casemerge/internal/platform/db"
)

type mergeOptions struct {
	sets    []string
	edits   []string
	keep    string
	actor   string
	tenant  string
	commit  bool
	verbose bool
}

func mergeCmd() *cobra.Command {
	opts := &mergeOptions{}
	cmd := &cobra.Command{
		Use:   "merge <case|person> <idA> <idB>",
		Short: "Preview or commit a merge of two records",
		Long: "Opens a merge session for two records, applies --set and --edit choices and\n" +
			"prints the resulting decisions. Nothing is written unless --commit is given.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idA, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			idB, err := uuid.Parse(args[2])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[2], err)
			}
			return runMerge(cmd.Context(), cmd.OutOrStdout(), args[0], idA, idB, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "Choose a source for a field, e.g. --set status=B (A, B or Delete)")
	cmd.Flags().StringArrayVar(&opts.edits, "edit", nil, "Enter a value for a field, e.g. --edit home_phone=5551234")
	cmd.Flags().StringVar(&opts.keep, "keep", "", "Record to keep for case merges (A or B)")
	cmd.Flags().StringVar(&opts.actor, "actor", "cli", "Name recorded in the audit log")
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().BoolVar(&opts.commit, "commit", false, "Commit the merge instead of previewing it")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")
	return cmd
}

func runMerge(ctx context.Context, out io.Writer, kind string, idA, idB uuid.UUID, opts *mergeOptions) error {
	pool, cfg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	tenant := opts.tenant
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	ctx, release, err := db.WithTenant(ctx, pool, tenant)
	if err != nil {
		return err
	}
	defer release()

	logger := zerolog.Nop()
	if opts.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	eng, err := newEngine(pool, cfg, logger, nil)
	if err != nil {
		return err
	}

	switch kind {
	case "case":
		return mergeSession(ctx, out, eng.cases, idA, idB, opts)
	case "person":
		return mergeSession(ctx, out, eng.persons, idA, idB, opts)
	}
	return fmt.Errorf("unknown record kind %q (use case or person)", kind)
}

func mergeSession[R any](ctx context.Context, out io.Writer, coord *merge.Coordinator[R], idA, idB uuid.UUID, opts *mergeOptions) error {
	s, err := coord.Open(ctx, idA, idB)
	if err != nil {
		return err
	}
	if err := applyChoices(s, opts); err != nil {
		return err
	}

	printDescriptions(out, s.DescribeAll())
	if !opts.commit {
		fmt.Fprintln(out, "\nPreview only; pass --commit to apply.")
		return nil
	}

	res, err := coord.Merge(ctx, s, opts.actor)
	var stale *merge.StaleError[R]
	if errors.As(err, &stale) {
		fmt.Fprintf(out, "\nRecords changed while preparing the merge (%s). Current values:\n",
			strings.Join(stale.Fields, ", "))
		printDescriptions(out, stale.Session.DescribeAll())
		return err
	}
	if err != nil {
		return err
	}
	printResult(out, res.SurvivorID, res.DiscardedID, res.Reassigned, res.AuditEntries)
	return nil
}

func applyChoices[R any](s *merge.Session[R], opts *mergeOptions) error {
	if opts.keep != "" {
		switch strings.ToUpper(opts.keep) {
		case "A":
			s.Keep = merge.SideA
		case "B":
			s.Keep = merge.SideB
		default:
			return fmt.Errorf("--keep must be A or B, got %q", opts.keep)
		}
	}

	sets, err := parseAssignments(opts.sets)
	if err != nil {
		return fmt.Errorf("--set: %w", err)
	}
	for _, a := range sets {
		src, err := merge.ParseSource(a.value)
		if err != nil {
			return fmt.Errorf("--set %s: %w", a.field, err)
		}
		if src == merge.SourceEdit {
			return fmt.Errorf("--set %s: use --edit to enter a value", a.field)
		}
		if err := s.Choose(a.field, src); err != nil {
			return fmt.Errorf("--set %s: %w", a.field, err)
		}
	}

	edits, err := parseAssignments(opts.edits)
	if err != nil {
		return fmt.Errorf("--edit: %w", err)
	}
	for _, a := range edits {
		if err := s.Edit(a.field, a.value); err != nil {
			return fmt.Errorf("--edit %s: %w", a.field, err)
		}
	}
	return nil
}

type assignment struct {
	field string
	value string
}

// parseAssignments splits "field=value" arguments. The value may contain '='.
func parseAssignments(args []string) ([]assignment, error) {
	out := make([]assignment, 0, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		out = append(out, assignment{field: field, value: value})
	}
	return out, nil
}

func printDescriptions(out io.Writer, descs []merge.Description) {
	if len(descs) == 0 {
		fmt.Fprintln(out, "The records have identical values.")
		return
	}
	fmt.Fprintf(out, "  %-24s %-10s %-24s %-24s %s\n", "FIELD", "SOURCE", "A", "B", "RESULT")
	for _, d := range descs {
		mark := " "
		if d.Highlight {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-24s %-10s %-24s %-24s %s\n", mark, d.Label, d.Source, d.ValueA, d.ValueB, d.Value)
	}
}

func printResult(out io.Writer, survivor, discarded uuid.UUID, reassigned map[string]int64, audits int) {
	fmt.Fprintf(out, "\nMerged %s into %s.\n", discarded, survivor)
	relations := make([]string, 0, len(reassigned))
	for rel := range reassigned {
		relations = append(relations, rel)
	}
	sort.Strings(relations)
	for _, rel := range relations {
		fmt.Fprintf(out, "  %-14s %d row(s) moved\n", rel, reassigned[rel])
	}
	fmt.Fprintf(out, "  %d audit entr%s written\n", audits, plural(audits, "y", "ies"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
