package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"titleforge/internal/models"
	"titleforge/shared/dataset"
	"titleforge/shared/scheduler"
	"titleforge/stages/categoryfilter"
	"titleforge/stages/qualityfilter"
	"titleforge/stages/transcripts"

	"github.com/spf13/cobra"
)

func newFilterCategoryCommand(ctx *commandContext) *cobra.Command {
	var input, output, dedup string
	var category int

	cmd := &cobra.Command{
		Use:   "filter-category",
		Short: "Keep trending videos of one category, deduplicated by video id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if cmd.Flags().Changed("category") {
				cfg.CategoryFilter.TargetCategoryID = category
			}
			if dedup != "" {
				cfg.CategoryFilter.DedupPolicy = dedup
			}
			input = orDefault(input, cfg.Dataset.TrendingCSV)
			output = orDefault(output, cfg.Dataset.CategoryFilteredCSV)

			stats, err := categoryfilter.NewStage(cfg, ctx.logger()).RunFiles(cmd.Context(), input, output)
			if err != nil {
				return err
			}
			if output == "-" {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), kvTable([][2]string{
				{"Rows read", strconv.Itoa(stats.Total)},
				{"Matched category", strconv.Itoa(stats.Matched)},
				{"Duplicates", strconv.Itoa(stats.Duplicates)},
				{"Malformed", strconv.Itoa(stats.Malformed)},
				{"Written", strconv.Itoa(stats.Written)},
			}))
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Trending videos CSV")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output CSV, - for stdout")
	cmd.Flags().IntVar(&category, "category", 0, "Category id to keep")
	cmd.Flags().StringVar(&dedup, "dedup", "", "Duplicate policy: first or drop_all")
	return cmd
}

func newFilterQualityCommand(ctx *commandContext) *cobra.Command {
	var input, output, removed string

	cmd := &cobra.Command{
		Use:   "filter-quality",
		Short: "Classify titles and keep curiosity-driven ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			input = orDefault(input, cfg.Dataset.CategoryFilteredCSV)
			output = orDefault(output, cfg.Dataset.QualityFilteredCSV)
			if !cmd.Flags().Changed("removed") {
				removed = cfg.Dataset.QualityRemovedCSV
			}

			stats, err := qualityfilter.NewStage(cfg, ctx.logger()).RunFiles(cmd.Context(), input, output, removed)
			if stats != nil {
				rows := [][2]string{
					{"Processed", strconv.Itoa(stats.Processed)},
					{"Accepted", strconv.Itoa(stats.Accepted)},
					{"Rejected", strconv.Itoa(stats.Rejected)},
					{"Unparseable", strconv.Itoa(stats.Unparseable)},
					{"Failed", strconv.Itoa(stats.Failed)},
					{"From cache", strconv.Itoa(stats.Cached)},
					{"Prescreened", strconv.Itoa(stats.Prescreened)},
				}
				for _, cc := range stats.ClassCounts() {
					rows = append(rows, [2]string{"Class " + string(cc.Class), strconv.Itoa(cc.Count)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), kvTable(rows))
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Category-filtered CSV")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Accepted rows CSV")
	cmd.Flags().StringVar(&removed, "removed", "", "Rejected rows CSV with reasons; empty disables")
	return cmd
}

func newFetchTranscriptsCommand(ctx *commandContext) *cobra.Command {
	var input, output, failures string
	var fromCSV bool
	var workers int

	cmd := &cobra.Command{
		Use:   "fetch-transcripts",
		Short: "Fetch transcripts and write title/transcript training examples",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			d := cfg.Dataset
			if workers > 0 {
				cfg.Transcripts.Workers = workers
			}
			if input == "" {
				input = d.URLsFile
				if _, err := os.Stat(input); errors.Is(err, os.ErrNotExist) {
					input, fromCSV = d.QualityFilteredCSV, true
				}
			}
			output = orDefault(output, d.TrainingDataJSON)
			failures = orDefault(failures, d.TranscriptFailuresJSON)

			stage := transcripts.NewStage(cfg, ctx.logger())
			inputs, err := stage.LoadInputs(input, fromCSV)
			if err != nil {
				return err
			}
			result, err := stage.Run(cmd.Context(), inputs, output, failures)
			if result != nil {
				s := result.Stats
				rows := [][2]string{
					{"Inputs", strconv.Itoa(s.Inputs)},
					{"Duplicates dropped", strconv.Itoa(s.Duplicates)},
					{"Succeeded", strconv.Itoa(s.Succeeded)},
					{"Failed", strconv.Itoa(s.Failed)},
				}
				kinds := make([]models.FailureKind, 0, len(s.FailuresByKind))
				for k := range s.FailuresByKind {
					kinds = append(kinds, k)
				}
				slices.Sort(kinds)
				for _, k := range kinds {
					rows = append(rows, [2]string{"Failed: " + string(k), strconv.Itoa(s.FailuresByKind[k])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), kvTable(rows))
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Video URLs/ids file, or a dataset CSV with --from-csv")
	cmd.Flags().BoolVar(&fromCSV, "from-csv", false, "Read video ids and titles from a dataset CSV")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Training data JSON")
	cmd.Flags().StringVar(&failures, "failures", "", "Failures report JSON")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent fetches")
	return cmd
}

func newCategoriesCommand(ctx *commandContext) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List the video category taxonomy",
		RunE: func(cmd *cobra.Command, args []string) error {
			file = orDefault(file, ctx.config.Dataset.CategoryIDsJSON)
			tax, err := dataset.LoadTaxonomyFile(file)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, c := range tax.Sorted() {
				marker := ""
				if c.ID == ctx.config.CategoryFilter.TargetCategoryID {
					marker = "*"
				}
				rows = append(rows, []string{strconv.Itoa(c.ID), c.Name, marker})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Category", "Target"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Category id reference JSON")
	return cmd
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var schedule bool
	var cronSpec string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the data pipeline: category filter, quality filter, transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			log := ctx.logger()
			if cronSpec != "" {
				cfg.Schedule = cronSpec
				schedule = true
			}

			s := scheduler.New(scheduler.Options{
				Schedule:   cfg.Schedule,
				HealthPort: cfg.Monitoring.HealthPort,
				Logger:     log,
			},
				categoryfilter.NewStage(cfg, log),
				qualityfilter.NewStage(cfg, log),
				transcripts.NewStage(cfg, log),
			)

			if schedule {
				err := s.Start(cmd.Context())
				if err != nil && cmd.Context().Err() != nil {
					// interrupted
					return nil
				}
				return err
			}

			if err := s.Initialize(); err != nil {
				return err
			}
			err := s.RunOnce(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), s.Monitor().GetStatusSummary())
			return err
		},
	}

	cmd.Flags().BoolVar(&schedule, "schedule", false, "Keep running on the configured cron schedule")
	cmd.Flags().StringVar(&cronSpec, "cron", "", "Cron spec with seconds field; implies --schedule")
	return cmd
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
