package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/billrecon/internal/session"
	"github.com/sells-group/billrecon/internal/store"
)

var (
	reconcileBill           string
	reconcileMeter          string
	reconcileFingerprint    string
	reconcileMPRN           string
	reconcileFailOnBlocking bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Cross-reference stored bills against smart-meter data",
	Long: "Optionally adds a bill and a meter export to the store, then reconciles one bill " +
		"(by fingerprint) or every stored bill against the meter series stored for its MPRN.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		if reconcileMeter != "" {
			data, err := os.ReadFile(reconcileMeter)
			if err != nil {
				return eris.Wrapf(err, "read %s", reconcileMeter)
			}
			if _, err := env.Session.AddMeter(ctx, filepath.Base(reconcileMeter), data); err != nil {
				return err
			}
		}

		fp := reconcileFingerprint
		if reconcileBill != "" {
			res, err := addBillFile(cmd, env.Session, reconcileBill)
			if err != nil {
				return err
			}
			fp = res.Entry.Fingerprint
		}

		var results []session.Reconciliation
		if fp != "" {
			r, err := env.Session.Reconcile(ctx, fp)
			if err != nil {
				return err
			}
			results = append(results, *r)
		} else {
			results, err = env.Session.ReconcileAll(ctx, store.BillFilter{MPRN: reconcileMPRN})
			if err != nil {
				return err
			}
		}

		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return eris.Wrap(err, "write output")
		}
		if reconcileFailOnBlocking {
			if n := countBlocked(results); n > 0 {
				return eris.Errorf("%d of %d reconciliations blocked", n, len(results))
			}
		}
		return nil
	},
}

func countBlocked(results []session.Reconciliation) int {
	n := 0
	for i := range results {
		if results[i].Result.Blocked() {
			n++
		}
	}
	return n
}

func init() {
	f := reconcileCmd.Flags()
	f.StringVar(&reconcileBill, "bill", "", "bill document to extract and reconcile")
	f.StringVar(&reconcileMeter, "meter", "", "meter export (CSV or XLSX) to store before reconciling")
	f.StringVar(&reconcileFingerprint, "fingerprint", "", "reconcile only the stored bill with this fingerprint")
	f.StringVar(&reconcileMPRN, "mprn", "", "reconcile only stored bills for this MPRN")
	f.BoolVar(&reconcileFailOnBlocking, "fail-on-blocking", false, "exit non-zero when any reconciliation is blocked")
	rootCmd.AddCommand(reconcileCmd)
}
