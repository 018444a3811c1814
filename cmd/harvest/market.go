package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"marketplace-harvest/adapters"
	"marketplace-harvest/logger"
	"marketplace-harvest/record"
	"marketplace-harvest/sink"
)

const maxValueWidth = 120

func newMarketCmd() *cobra.Command {
	var (
		by       string
		export   bool
		outLabel string
	)
	cmd := &cobra.Command{
		Use:   "market <identifier>",
		Short: "Look up a single market by id, slug or condition id",
		Example: `  harvest market 253591
  harvest market will-the-incumbent-win --by slug --export`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := adapters.ParseLookupKind(by)
			if err != nil {
				return err
			}
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			adapter, err := buildAdapter(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			defer cancel()
			rec, meta, err := adapter.LookupMarket(ctx, kind, args[0])
			if err != nil {
				return errors.Wrapf(err, "lookup %s", kind)
			}
			logger.Logger.Debugw("market lookup", "kind", kind, "identifier", args[0],
				"status", meta.StatusCode, "latency", meta.Latency)

			printMarket(cmd.OutOrStdout(), rec)
			if export {
				snap, err := sink.NewExporter(cfg.OutDir, outLabel, logger.Logger).ExportMarket(rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported csv=%s json=%s\n", snap.CSVPath, snap.JSONPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", string(adapters.LookupByID), "Identifier kind: id|slug|condition_id")
	cmd.Flags().BoolVar(&export, "export", false, "Also write the market as CSV and JSON into --out-dir")
	cmd.Flags().StringVar(&outLabel, "label", "market", "Snapshot file label")
	return cmd
}

// printMarket writes a headline block followed by every field, nested values
// summarized and long strings truncated.
func printMarket(w io.Writer, rec record.Record) {
	fmt.Fprintf(w, "id:           %s\n", rec.ID)
	fmt.Fprintf(w, "question:     %s\n", rec.Headline())
	fmt.Fprintf(w, "slug:         %s\n", rec.Text(record.FieldSlug))
	fmt.Fprintf(w, "condition_id: %s\n", rec.Text(record.FieldConditionID))
	if rec.Closed != nil {
		fmt.Fprintf(w, "closed:       %t\n", *rec.Closed)
	}
	if vol, ok := rec.Number("volumeNum"); ok {
		fmt.Fprintf(w, "volume:       %.2f\n", vol)
	} else if vol, ok := rec.Number("volume"); ok {
		fmt.Fprintf(w, "volume:       %.2f\n", vol)
	}

	keys := rec.Keys()
	slices.Sort(keys)
	fmt.Fprintf(w, "\nfields (%d):\n", len(keys))
	for _, k := range keys {
		v, _ := rec.Field(k)
		fmt.Fprintf(w, "  %s: %s\n", k, describeValue(v))
	}
}

func describeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return truncate(t, maxValueWidth)
	case []record.Record:
		return fmt.Sprintf("[%d records]", len(t))
	case []any:
		return fmt.Sprintf("[%d items]", len(t))
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(t))
	default:
		return truncate(fmt.Sprint(t), maxValueWidth)
	}
}

func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width-3]) + "..."
}
