package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"titleforge/internal/models"
	"titleforge/stages/titlegen"
	"titleforge/stages/trainer"

	"github.com/spf13/cobra"
)

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var input string
	var noWait bool
	var sampleSize int
	var seed uint64

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Sample training examples, upload them and run a fine-tuning job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if sampleSize > 0 {
				cfg.Training.SampleSize = sampleSize
			}
			if cmd.Flags().Changed("seed") {
				cfg.Training.Seed = seed
			}
			input = orDefault(input, cfg.Dataset.TrainingDataJSON)

			stage := trainer.NewStage(cfg, ctx.logger()).WithWait(!noWait)
			job, stats, err := stage.Run(cmd.Context(), input)
			if stats != nil {
				fmt.Fprintln(cmd.OutOrStdout(), kvTable([][2]string{
					{"Examples loaded", strconv.Itoa(stats.Loaded)},
					{"Within length bounds", strconv.Itoa(stats.Filtered)},
					{"Sampled", strconv.Itoa(stats.Sampled)},
					{"Removed by moderation", strconv.Itoa(stats.Moderated)},
					{"Written", strconv.Itoa(stats.Written)},
				}))
			}
			if job != nil {
				printJob(cmd.OutOrStdout(), job)
			}
			if err != nil {
				return err
			}
			if noWait {
				fmt.Fprintf(cmd.OutOrStdout(), "Job submitted. Follow it with: titleforge job status --follow\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Training data JSON")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return after the job is created")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "Number of examples to sample")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Sampling seed; 0 draws a random sample")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or cancel the saved fine-tuning job",
	}
	cmd.PersistentFlags().StringVar(&jobFile, "job-file", "", "Saved job record")

	loadJob := func() (*models.FineTuneJob, *trainer.Trainer, error) {
		cfg := ctx.config
		if jobFile != "" {
			cfg.Dataset.FineTuneJobJSON = jobFile
		}
		job, err := trainer.LoadJob(cfg.Dataset.FineTuneJobJSON)
		if err != nil {
			return nil, nil, err
		}
		stage := trainer.NewStage(cfg, ctx.logger())
		if err := stage.Initialize(); err != nil {
			return nil, nil, err
		}
		return job, stage.Trainer(), nil
	}

	var follow bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the job's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, tr, err := loadJob()
			if err != nil {
				return err
			}
			if follow {
				job, err = tr.Wait(cmd.Context(), job)
			} else {
				job, err = tr.Refresh(cmd.Context(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return err
		},
	}
	status.Flags().BoolVarP(&follow, "follow", "f", false, "Poll until the job finishes")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the job",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, tr, err := loadJob()
			if err != nil {
				return err
			}
			job, err = tr.Cancel(cmd.Context(), job)
			printJob(cmd.OutOrStdout(), job)
			return err
		},
	}

	cmd.AddCommand(status, cancel)
	return cmd
}

func printJob(w io.Writer, job *models.FineTuneJob) {
	rows := [][2]string{
		{"Job", job.JobID},
		{"File", job.FileID},
		{"Base model", job.BaseModel},
		{"State", string(job.State)},
		{"Examples", strconv.Itoa(job.Examples)},
		{"Created", job.CreatedAt.Local().Format(time.DateTime)},
	}
	if job.RemoteStatus != "" && job.RemoteStatus != string(job.State) {
		rows = append(rows, [2]string{"Provider status", job.RemoteStatus})
	}
	if job.FineTunedModel != "" {
		rows = append(rows, [2]string{"Fine-tuned model", job.FineTunedModel})
	}
	if job.FailureReason != "" {
		rows = append(rows, [2]string{"Failure", job.FailureReason})
	}
	if !job.FinishedAt.IsZero() {
		rows = append(rows, [2]string{"Finished", job.FinishedAt.Local().Format(time.DateTime)})
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rowsOf(rows), nil))
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var transcriptFile, model string
	var variations int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate title variations for one transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if model != "" {
				cfg.Generation.Model = model
			}

			var data []byte
			var err error
			if transcriptFile == "" || transcriptFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(transcriptFile)
			}
			if err != nil {
				return fmt.Errorf("failed to read transcript: %w", err)
			}

			titles, err := titlegen.NewStage(cfg, ctx.logger()).Generate(cmd.Context(), string(data), variations)
			if err != nil {
				return err
			}
			rows := make([][]string, len(titles))
			for i, t := range titles {
				rows[i] = []string{strconv.Itoa(i + 1), t}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Title"}, rows, []columnAlignment{alignRight, alignLeft}))
			return nil
		},
	}

	cmd.Flags().StringVarP(&transcriptFile, "transcript-file", "t", "", "Transcript text file; - or empty reads stdin")
	cmd.Flags().IntVarP(&variations, "variations", "n", 0, "Number of titles to generate")
	cmd.Flags().StringVar(&model, "model", "", "Fine-tuned model id")
	return cmd
}

func newChannelTitlesCommand(ctx *commandContext) *cobra.Command {
	var channel, output, model string
	var maxVideos int
	var sendEmail bool

	cmd := &cobra.Command{
		Use:   "channel-titles",
		Short: "Recommend titles for every video of a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if channel != "" {
				cfg.Channel.Channel = channel
			}
			if model != "" {
				cfg.Generation.Model = model
			}
			if maxVideos > 0 {
				cfg.Channel.MaxVideos = maxVideos
			}
			if output != "" {
				cfg.Channel.OutputJSON = output
			}
			if sendEmail {
				cfg.Channel.EmailReport = true
			}
			if cfg.Channel.Channel == "" {
				return errors.New("channel is required: pass --channel @handle, a channel id, or mine")
			}

			report, stats, err := titlegen.NewStage(cfg, ctx.logger()).RunChannel(cmd.Context(), cfg.Channel.Channel)
			if report != nil {
				rows := make([][]string, 0, len(report.Titles))
				for _, t := range report.Titles {
					rows = append(rows, []string{t.VideoID, t.OriginalTitle, t.RecommendedTitle})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Video", "Original", "Recommended"}, rows, nil))
			}
			if stats != nil {
				fmt.Fprintln(cmd.OutOrStdout(), stats.GetSummary())
			}
			return err
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "@handle, channel id, or mine")
	cmd.Flags().IntVar(&maxVideos, "max-videos", 0, "Limit the number of videos")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Results JSON")
	cmd.Flags().StringVar(&model, "model", "", "Fine-tuned model id")
	cmd.Flags().BoolVar(&sendEmail, "email", false, "Email the report")
	return cmd
}
