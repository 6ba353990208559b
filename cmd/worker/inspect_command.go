package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediascribe/pipeline/internal/bootstrap"
	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/model"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <jobId>",
		Short: "Show a job and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.StorageMemory {
				return errors.New("inspect needs shared storage; the memory backend is private to the server")
			}

			comps, err := bootstrap.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			out, err := inspectJob(cmd.Context(), comps.Repo, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

type jobReader interface {
	FindJobByID(ctx context.Context, id string) (model.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]model.DomainEvent, error)
}

func inspectJob(ctx context.Context, repo jobReader, id string) (string, error) {
	job, err := repo.FindJobByID(ctx, id)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("job %s not found", id)
	}
	events, err := repo.ListEvents(ctx, id)
	if err != nil {
		return "", err
	}
	return renderTable("Job", []string{"Field", "Value"}, jobRows(job)) + "\n" +
		renderTable("Events", []string{"Time", "Type", "Detail"}, eventRows(events)), nil
}

func jobRows(job model.Job) [][]string {
	b := job.Base()
	rows := [][]string{
		{"ID", b.ID},
		{"Status", string(job.Status())},
		{"Media", b.Media.String()},
		{"Request", b.RequestID},
		{"Attempts", strconv.Itoa(b.Attempts)},
		{"Created", formatTime(b.CreatedAt)},
		{"Updated", formatTime(b.UpdatedAt)},
	}
	if md, ok := model.MetadataOf(job); ok {
		rows = append(rows, []string{"Title", md.Title})
	}
	switch j := job.(type) {
	case model.CompletedJob:
		rows = append(rows, []string{"Transcript", j.TranscriptID})
	case model.FailedJob:
		rows = append(rows, []string{"Failed at", string(j.FailedStage)}, []string{"Error", j.Error})
	case model.CancelledJob:
		rows = append(rows, []string{"Cancelled at", string(j.CancelledStage)}, []string{"Reason", j.CancellationReason})
	}
	return rows
}

func eventRows(events []model.DomainEvent) [][]string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{formatTime(e.Subject().OccurredAt), string(e.Type()), eventDetail(e)})
	}
	return rows
}

func eventDetail(e model.DomainEvent) string {
	switch ev := e.(type) {
	case model.JobStatusChanged:
		return string(ev.From) + " -> " + string(ev.To)
	case model.JobFailed:
		return ev.Error
	case model.TranscriptComplete:
		return ev.Transcript.ID
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
