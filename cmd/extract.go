package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/session"
)

var extractDiagnostics bool

var extractCmd = &cobra.Command{
	Use:   "extract FILE...",
	Short: "Extract billing fields from one or more bill documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		results := make([]*session.BillResult, 0, len(args))
		failed := 0
		for _, path := range args {
			res, err := addBillFile(cmd, env.Session, path)
			if err != nil {
				failed++
				zap.L().Error("extract failed", zap.String("document", path), zap.Error(err))
				continue
			}
			if !extractDiagnostics {
				res.Run = nil
			}
			results = append(results, res)
		}

		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return eris.Wrap(err, "write output")
		}
		if failed > 0 {
			return eris.Errorf("%d of %d documents could not be read", failed, len(args))
		}
		return nil
	},
}

func addBillFile(cmd *cobra.Command, sess *session.Session, path string) (*session.BillResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return sess.AddBill(cmd.Context(), filepath.Base(path), data)
}

func init() {
	extractCmd.Flags().BoolVar(&extractDiagnostics, "diagnostics", false, "include per-producer diagnostics and field resolutions")
	rootCmd.AddCommand(extractCmd)
}
