package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/billrecon/internal/meter"
	"github.com/sells-group/billrecon/internal/model"
)

var normalizeSave bool

var normalizeCmd = &cobra.Command{
	Use:   "normalize FILE",
	Short: "Normalize a smart-meter export (CSV or XLSX) and report data quality",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		name := filepath.Base(args[0])

		var series []*model.MeterSeries
		if normalizeSave {
			env, err := initEnv(ctx, "normalize")
			if err != nil {
				return err
			}
			defer env.Close()

			entries, err := env.Session.AddMeter(ctx, name, data)
			if err != nil {
				return err
			}
			for _, e := range entries {
				series = append(series, e.Series)
			}
		} else {
			series, err = meter.Load(ctx, name, data)
			if err != nil {
				return err
			}
		}

		out := make([]seriesSummary, 0, len(series))
		for _, s := range series {
			out = append(out, summarizeSeries(s))
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	normalizeCmd.Flags().BoolVar(&normalizeSave, "save", false, "store the series, replacing any earlier upload for the same MPRN")
	rootCmd.AddCommand(normalizeCmd)
}

// seriesSummary is the printable view of a normalized series.
type seriesSummary struct {
	MPRN      string                         `json:"mprn"`
	Readings  int                            `json:"readings"`
	FirstDate string                         `json:"first_date,omitempty"`
	LastDate  string                         `json:"last_date,omitempty"`
	KWhByBand map[model.Band]decimal.Decimal `json:"kwh_by_band"`
	Flags     model.QualityFlags             `json:"quality_flags"`
}

func summarizeSeries(s *model.MeterSeries) seriesSummary {
	sum := seriesSummary{
		MPRN:      s.MPRN,
		Readings:  len(s.Readings),
		KWhByBand: make(map[model.Band]decimal.Decimal),
		Flags:     s.Flags,
	}
	if first, last, ok := s.Span(); ok {
		sum.FirstDate = first.Format("2006-01-02")
		sum.LastDate = last.Format("2006-01-02")
	}
	for _, r := range s.Readings {
		b := r.Band()
		sum.KWhByBand[b] = sum.KWhByBand[b].Add(r.KWh)
		if b != model.BandExport {
			sum.KWhByBand[model.BandTotal] = sum.KWhByBand[model.BandTotal].Add(r.KWh)
		}
	}
	return sum
}
