// Package main provides medsafectl, the operator CLI for the medication
// safety engine: offline calculations, knowledge bundle checks and topic
// administration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/dosage"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "medsafectl",
		Short:         "Medication safety engine operator tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(calcCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(topicsCmd())
	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func calcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Run a dosing calculation",
	}

	crclCmd := &cobra.Command{
		Use:   "crcl",
		Short: "Creatinine clearance by Cockcroft-Gault",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetFloat64("age")
			weight, _ := cmd.Flags().GetFloat64("weight")
			scr, _ := cmd.Flags().GetFloat64("scr")
			rawSex, _ := cmd.Flags().GetString("sex")

			sex, err := dosage.ParseSex(rawSex)
			if err != nil {
				return err
			}
			res, err := dosage.CreatinineClearance(age, weight, scr, sex)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	crclCmd.Flags().Float64("age", 0, "Age in years")
	crclCmd.Flags().Float64("weight", 0, "Weight in kg")
	crclCmd.Flags().Float64("scr", 0, "Serum creatinine in mg/dL")
	crclCmd.Flags().String("sex", "", "male or female")
	cmd.AddCommand(crclCmd)

	bsaCmd := &cobra.Command{
		Use:   "bsa",
		Short: "Body surface area by Mosteller",
		RunE: func(cmd *cobra.Command, args []string) error {
			height, _ := cmd.Flags().GetFloat64("height")
			weight, _ := cmd.Flags().GetFloat64("weight")
			res, err := dosage.BodySurfaceArea(height, weight)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	bsaCmd.Flags().Float64("height", 0, "Height in cm")
	bsaCmd.Flags().Float64("weight", 0, "Weight in kg")
	cmd.AddCommand(bsaCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "convert VALUE FROM TO",
		Short: "Convert between dose units",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[0], err)
			}
			res, err := dosage.ConvertUnits(value, args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	return cmd
}

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect the knowledge bundle",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a bundle and report its table sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, _ := cmd.Flags().GetString("source")
			var src knowledge.Source = knowledge.EmbeddedSource{}
			if uri != "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				cfg.KnowledgeSource = uri
				if src, err = cfg.Knowledge(); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			store, err := knowledge.Load(ctx, src, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), store.Counts())
		},
	}
	validateCmd.Flags().String("source", "", "Bundle location: embedded, dir:/path or s3://bucket/prefix")
	cmd.AddCommand(validateCmd)

	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the order event topics",
	}

	withAdmin := func(fn func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.LogLevel, "console", "medsafectl")
			if err != nil {
				return err
			}
			defer logger.Sync()

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return fn(ctx, admin, cfg)
		}
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
	}
	ensureCmd.Flags().Int16("replication", 1, "Replication factor")
	ensureCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error {
		rf, _ := ensureCmd.Flags().GetInt16("replication")
		configs := redpanda.DefaultTopicConfigs(redpanda.TopicNames{
			OrderEvents:   cfg.OrderEventsTopic,
			GatewayStatus: cfg.GatewayStatusTopic,
		})
		if rf > 1 {
			configs = redpanda.WithReplication(configs, rf)
		}
		if err := admin.CreateTopics(ctx, configs); err != nil {
			return err
		}
		for _, c := range configs {
			fmt.Fprintln(ensureCmd.OutOrStdout(), c.Name)
		}
		return nil
	})
	cmd.AddCommand(ensureCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
	}
	listCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin, _ *config.Config) error {
		names, err := admin.ListTopics(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(listCmd.OutOrStdout(), n)
		}
		return nil
	})
	cmd.AddCommand(listCmd)

	describeCmd := &cobra.Command{
		Use:   "describe TOPIC",
		Short: "Show partitions and topic-level settings",
		Args:  cobra.ExactArgs(1),
	}
	describeCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, admin *redpanda.Admin, _ *config.Config) error {
			details, err := admin.DescribeTopic(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(describeCmd.OutOrStdout(), details)
		})(cmd, args)
	}
	cmd.AddCommand(describeCmd)

	lagCmd := &cobra.Command{
		Use:   "lag [GROUP]",
		Short: "Show consumer group lag per partition",
		Args:  cobra.MaximumNArgs(1),
	}
	lagCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error {
			group := cfg.ConsumerGroup
			if len(args) == 1 {
				group = args[0]
			}
			lag, err := admin.GetConsumerGroupLag(ctx, group)
			if err != nil {
				return err
			}
			return printLag(lagCmd.OutOrStdout(), lag)
		})(cmd, args)
	}
	cmd.AddCommand(lagCmd)

	return cmd
}

func printLag(w io.Writer, lag map[string]map[int32]int64) error {
	topics := make([]string, 0, len(lag))
	for t := range lag {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, t := range topics {
		partitions := make([]int32, 0, len(lag[t]))
		for p := range lag[t] {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, p := range partitions {
			if _, err := fmt.Fprintf(w, "%s\t%d\t%d\n", t, p, lag[t][p]); err != nil {
				return err
			}
		}
	}
	return nil
}
