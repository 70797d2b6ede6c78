package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stoqscore/internal/core"
	"stoqscore/internal/entitymodel/sqlbundle"
	"stoqscore/pkg/domain"
)

func newSchemaCmd() *cobra.Command {
	var (
		driver string
		tables bool
	)
	cmd := &cobra.Command{
		Use:         "schema",
		Short:       "Print the DDL for a SQL backend",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipStore: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ddl, err := sqlbundle.ForDriver(driver)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			if tables {
				return printJSON(cmd.OutOrStdout(), sqlbundle.Tables(ddl))
			}
			_, err = io.WriteString(cmd.OutOrStdout(), ddl)
			return err
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "sqlite or postgres")
	cmd.Flags().BoolVar(&tables, "tables", false, "list the created tables instead of the DDL")
	return cmd
}

func newActivityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "activity", Short: "Manage activities"}

	var (
		platform, platformType, activityType, campaign, start string
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an activity, resolving its platform and type by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			startDate, err := time.Parse(time.RFC3339Nano, start)
			if err != nil {
				return fmt.Errorf("%w: --start: %w", errUsage, err)
			}
			p, err := a.svc.EnsurePlatform(ctx, platform, platformType)
			if err != nil {
				return err
			}
			act := domain.Activity{Name: args[0], PlatformID: p.ID, StartDate: startDate}
			if activityType != "" {
				at, err := a.svc.EnsureActivityType(ctx, activityType)
				if err != nil {
					return err
				}
				act.ActivityTypeID = &at.ID
			}
			if campaign != "" {
				act.CampaignID = &campaign
			}
			created, err := a.svc.CreateActivity(ctx, act)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	create.Flags().StringVar(&platform, "platform", "", "platform name (required)")
	create.Flags().StringVar(&platformType, "platform-type", "", "platform type name (required)")
	create.Flags().StringVar(&activityType, "type", "", "activity type name")
	create.Flags().StringVar(&campaign, "campaign", "", "campaign id")
	create.Flags().StringVar(&start, "start", "", "start time, RFC 3339 (required)")
	_ = create.MarkFlagRequired("platform")
	_ = create.MarkFlagRequired("platform-type")
	_ = create.MarkFlagRequired("start")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := a.svc.GetActivity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), act)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acts, err := a.svc.ListActivities(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acts)
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an activity and every sample beneath it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.DeleteActivity(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, show, list, del)
	return cmd
}

func newParameterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "parameter", Short: "Manage parameters"}
	var units, standardName, longName string
	ensure := &cobra.Command{
		Use:   "ensure NAME",
		Short: "Return the parameter called NAME, creating it when missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.Parameter{Name: args[0]}
			if units != "" {
				p.Units = &units
			}
			if standardName != "" {
				p.StandardName = &standardName
			}
			if longName != "" {
				p.LongName = &longName
			}
			got, err := a.svc.EnsureParameter(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), got)
		},
	}
	ensure.Flags().StringVar(&units, "units", "", "units")
	ensure.Flags().StringVar(&standardName, "standard-name", "", "CF standard name")
	ensure.Flags().StringVar(&longName, "long-name", "", "long name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := a.svc.ListParameters(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ps)
		},
	}
	cmd.AddCommand(ensure, list)
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load ACTIVITY_ID FILE",
		Short: "Load a JSON array of samples into an activity (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := readSamples(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			res, err := a.svc.LoadSamples(cmd.Context(), args[0], samples)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func readSamples(stdin io.Reader, name string) ([]domain.Sample, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var samples []domain.Sample
	if err := json.NewDecoder(r).Decode(&samples); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", errUsage, name, err)
	}
	return samples, nil
}

func newCountsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "counts ACTIVITY_ID",
		Short: "Print the cached per-parameter value counts of an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := a.svc.ActivityParameterCounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
}

func newRecountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recount ACTIVITY_ID PARAMETER_ID",
		Short: "Replace one cached count with a full recount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.svc.RecountActivityParameter(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), domain.ParameterCount{ParameterID: args[1], Count: n})
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	var all, repair bool
	cmd := &cobra.Command{
		Use:   "verify [ACTIVITY_ID]",
		Short: "Compare cached counts with a recount",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) == 1) {
				return fmt.Errorf("%w: give an activity id or --all", errUsage)
			}
			var (
				drift []core.CountDrift
				err   error
			)
			switch {
			case repair && all:
				drift, err = repairAll(cmd, a)
			case repair:
				drift, err = a.svc.RepairActivityParameters(ctx, args[0])
			case all:
				drift, err = a.svc.VerifyAll(ctx)
			default:
				drift, err = a.svc.VerifyActivityParameters(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), nonNil(drift))
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "check every activity")
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite drifted counts")
	return cmd
}

func repairAll(cmd *cobra.Command, a *app) ([]core.CountDrift, error) {
	acts, err := a.svc.ListActivities(cmd.Context())
	if err != nil {
		return nil, err
	}
	var fixed []core.CountDrift
	for _, act := range acts {
		drift, err := a.svc.RepairActivityParameters(cmd.Context(), act.ID)
		if err != nil {
			return fixed, fmt.Errorf("repair %s: %w", act.ID, err)
		}
		fixed = append(fixed, drift...)
	}
	return fixed, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func newSummarizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize ACTIVITY_ID",
		Short: "Recompute an activity's value count, map track and depth range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := a.svc.RefreshActivitySummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), act)
		},
	}
}

func newArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive ACTIVITY_ID",
		Short: "Write an activity's samples to the blob store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.svc.ArchiveActivity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newArchivesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archives ACTIVITY_ID",
		Short: "List the archives of an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.svc.ListArchives(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), nonNil(list))
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "purge ACTIVITY_ID",
		Short: "Delete an activity's samples and counts, keeping the activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.svc.PurgeActivity(cmd.Context(), args[0], archive)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"activity_id": args[0], "archive_key": key})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "archive the samples before purging")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore KEY",
		Short: "Reload an archived activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.RestoreActivity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
