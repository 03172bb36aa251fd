package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/api"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
	"github.com/jmerrifield20/carbonanchor/pkg/client"
	"github.com/spf13/cobra"
)

// ── hash ─────────────────────────────────────────────────────────────────────

type hashRow struct {
	ProductionID int64              `json:"production_id"`
	RecordHash   string             `json:"record_hash,omitempty"`
	Normalized   *record.Normalized `json:"normalized,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func newHashCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <summary.json|->",
		Short: "Compute record hashes offline",
		Long: `hash normalizes each summary in the file to integer grams and prints the
record hash anchord would anchor. No server is contacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := readSummaries(cmd, args[0])
			if err != nil {
				return err
			}
			rows := make([]hashRow, len(summaries))
			failed := 0
			for i, s := range summaries {
				h, n, err := record.HashSummary(record.CarbonSummary(s))
				if err != nil {
					rows[i] = hashRow{ProductionID: s.ProductionID, Error: err.Error()}
					failed++
					continue
				}
				rows[i] = hashRow{ProductionID: n.ProductionID, RecordHash: h.Hex(), Normalized: &n}
			}

			err = g.emit(cmd.OutOrStdout(), rows, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PRODUCTION\tHASH\tNET_GRAMS\tERROR")
				for _, r := range rows {
					if r.Error != "" {
						fmt.Fprintf(tw, "%d\t\t\t%s\n", r.ProductionID, r.Error)
						continue
					}
					fmt.Fprintf(tw, "%d\t%s\t%d\t\n", r.ProductionID, r.RecordHash, r.Normalized.NetGrams())
				}
				return tw.Flush()
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d summaries are invalid", failed, len(rows))
			}
			return nil
		},
	}
}

// ── anchor / batch ───────────────────────────────────────────────────────────

func printAnchorResult(w io.Writer, r *client.AnchorResult) error {
	fmt.Fprintf(w, "Production:  %d\n", r.ProductionID)
	fmt.Fprintf(w, "State:       %s\n", r.State)
	if r.RecordHash != "" {
		fmt.Fprintf(w, "Record hash: %s\n", r.RecordHash)
	}
	if r.TxHash != "" {
		fmt.Fprintf(w, "Tx hash:     %s\n", r.TxHash)
		fmt.Fprintf(w, "Block:       %d\n", r.BlockNumber)
		fmt.Fprintf(w, "Gas used:    %d\n", r.GasUsed)
	}
	if r.ExplorerURL != "" {
		fmt.Fprintf(w, "Explorer:    %s\n", r.ExplorerURL)
	}
	fmt.Fprintf(w, "Attempts:    %d\n", r.Attempts)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:       %s (%s)\n", r.Error, r.ErrorKind)
	}
	return nil
}

func newAnchorCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "anchor <summary.json|->",
		Short: "Anchor one production summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := readSummaries(cmd, args[0])
			if err != nil {
				return err
			}
			if len(summaries) != 1 {
				return fmt.Errorf("anchor takes one summary, file has %d; use batch", len(summaries))
			}
			c, err := g.client()
			if err != nil {
				return err
			}

			res, err := c.Anchor(cmd.Context(), summaries[0])
			if res != nil {
				if perr := g.emit(cmd.OutOrStdout(), res, func(w io.Writer) error { return printAnchorResult(w, res) }); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("anchor: %w", err)
			}
			return nil
		},
	}
}

func newBatchCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <summaries.json|->",
		Short: "Anchor many production summaries in one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := readSummaries(cmd, args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			results, err := c.AnchorBatch(cmd.Context(), summaries)
			if err != nil {
				return fmt.Errorf("batch: %w", err)
			}

			return g.emit(cmd.OutOrStdout(), results, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PRODUCTION\tSTATE\tTX\tATTEMPTS\tERROR")
				for _, r := range results {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.ProductionID, r.State, r.TxHash, r.Attempts, r.Error)
				}
				return tw.Flush()
			})
		},
	}
}

// ── status / cancel / resume ─────────────────────────────────────────────────

func newStatusCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <production-id>",
		Short: "Show the anchoring state of a production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProductionID(args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.Status(cmd.Context(), id)
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("production %d has never been submitted", id)
				}
				return fmt.Errorf("status: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), res, func(w io.Writer) error { return printAnchorResult(w, res) })
		},
	}
}

func newCancelCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <production-id>",
		Short: "Cancel an anchoring that has not been dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProductionID(args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.Cancel(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				fmt.Fprintf(w, "Production %d: %s\n", res.ProductionID, res.Outcome)
				return nil
			})
		},
	}
}

func newResumeCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Lift a funds halt and re-drive queued anchors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			rep, err := c.Resume(cmd.Context())
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), rep, func(w io.Writer) error {
				fmt.Fprintf(w, "Confirmed: %d  Reverted: %d  Redriven: %d  Still unknown: %d  Errors: %d\n",
					rep.Confirmed, rep.Reverted, rep.Redriven, rep.StillUnknown, rep.Errors)
				return nil
			})
		},
	}
}

// ── verify ───────────────────────────────────────────────────────────────────

func newVerifyCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <summary.json|->",
		Short: "Verify summaries against the records anchored on the ledger",
		Long: `verify recomputes each summary's record hash and compares it with the
hash anchored for its production. A mismatch lists the fields that differ.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := readSummaries(cmd, args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}

			type row struct {
				ProductionID int64                      `json:"production_id"`
				Result       *client.VerificationResult `json:"result,omitempty"`
				Error        string                     `json:"error,omitempty"`
			}
			rows := make([]row, 0, len(summaries))
			bad := 0
			for _, s := range summaries {
				res, err := c.Verify(cmd.Context(), s.ProductionID, s)
				r := row{ProductionID: s.ProductionID, Result: res}
				switch {
				case client.IsNotAnchored(err):
					r.Error = "not anchored"
					bad++
				case err != nil:
					r.Error = err.Error()
					bad++
				case !res.Verified:
					bad++
				}
				rows = append(rows, r)
			}

			err = g.emit(cmd.OutOrStdout(), rows, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PRODUCTION\tVERIFIED\tMISMATCH\tERROR")
				for _, r := range rows {
					if r.Result == nil {
						fmt.Fprintf(tw, "%d\t\t\t%s\n", r.ProductionID, r.Error)
						continue
					}
					fmt.Fprintf(tw, "%d\t%t\t%s\t\n", r.ProductionID, r.Result.Verified, strings.Join(r.Result.MismatchFields, ","))
				}
				return tw.Flush()
			})
			if err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d summaries did not verify", bad, len(rows))
			}
			return nil
		},
	}
}

// ── audit ────────────────────────────────────────────────────────────────────

func printAuditEntries(w io.Writer, items []*client.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDX\tTIME\tOPERATION\tOUTCOME\tPRODUCTION\tTX\tERROR")
	for _, e := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Index, e.Timestamp.Format(time.RFC3339), e.Operation, e.Outcome,
			e.ProductionID, e.TxHash, e.ErrorKind)
	}
	return tw.Flush()
}

func newAuditCmd(g *cli) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			page, err := c.Audit(cmd.Context(), offset, limit)
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), page, func(w io.Writer) error {
				fmt.Fprintf(w, "Entries: %d  Root: %s\n\n", page.Entries, page.Root)
				return printAuditEntries(w, page.Items)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "first entry index")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries (server caps at 500)")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the audit log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.VerifyAudit(cmd.Context())
			if err != nil {
				return fmt.Errorf("audit verify: %w", err)
			}
			if perr := g.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				if res.Valid {
					fmt.Fprintln(w, "audit chain intact")
				} else {
					fmt.Fprintf(w, "audit chain BROKEN: %s\n", res.Error)
				}
				return nil
			}); perr != nil {
				return perr
			}
			if !res.Valid {
				return errors.New("audit chain failed verification")
			}
			return nil
		},
	}

	entry := &cobra.Command{
		Use:   "entry <index>",
		Short: "Show one audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil || idx < 0 {
				return fmt.Errorf("invalid index %q", args[0])
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			e, err := c.AuditEntry(cmd.Context(), idx)
			if err != nil {
				return fmt.Errorf("audit entry: %w", err)
			}
			out, _ := json.MarshalIndent(e, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	production := &cobra.Command{
		Use:   "production <production-id>",
		Short: "List audit entries for one production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProductionID(args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			items, err := c.AuditForProduction(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("audit production: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), items, func(w io.Writer) error { return printAuditEntries(w, items) })
		},
	}

	cmd.AddCommand(verify, entry, production)
	return cmd
}

// ── gas / health ─────────────────────────────────────────────────────────────

func newGasCmd(g *cli) *cobra.Command {
	var pending int
	cmd := &cobra.Command{
		Use:   "gas",
		Short: "Show the server's gas price and batch size recommendation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			rec, err := c.Gas(cmd.Context(), pending)
			if err != nil {
				return fmt.Errorf("gas: %w", err)
			}
			return g.emit(cmd.OutOrStdout(), rec, func(w io.Writer) error {
				fmt.Fprintf(w, "Gas price:     %s wei\n", rec.GasPrice)
				fmt.Fprintf(w, "Network price: %s wei\n", rec.NetworkPrice)
				fmt.Fprintf(w, "Congestion:    %s\n", rec.Congestion)
				fmt.Fprintf(w, "Batch size:    %d\n", rec.BatchSize)
				if rec.Degraded {
					fmt.Fprintln(w, "(degraded: network price unavailable, using reference price)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&pending, "pending", 1, "number of submissions waiting")
	return cmd
}

func newHealthCmd(g *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show anchord and ledger health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if h != nil {
				if perr := g.emit(cmd.OutOrStdout(), h, func(w io.Writer) error {
					fmt.Fprintf(w, "Status:  %s\n", h.Status)
					fmt.Fprintf(w, "Ledger:  %s (healthy=%t, consecutive failures=%d)\n",
						h.LedgerMode, h.Ledger.Healthy, h.Ledger.ConsecutiveFailures)
					fmt.Fprintf(w, "Halted:  %t\n", h.Halted)
					return nil
				}); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			return nil
		},
	}
}

// ── token ────────────────────────────────────────────────────────────────────

func newTokenCmd() *cobra.Command {
	var (
		operator  string
		secretRef string
		issuer    string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for mutating API routes",
		Long: `token signs an operator JWT with the same secret reference anchord uses
(server.jwt_secret_ref), for example env:ANCHORD_JWT_SECRET or
file:/run/secrets/jwt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := api.NewOperatorTokens(secrets.NewResolver(), secretRef, issuer, ttl)
			tok, err := tokens.Issue(cmd.Context(), operator)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", os.Getenv("USER"), "operator name recorded in the token")
	cmd.Flags().StringVar(&secretRef, "secret-ref", "", "secret reference (env:NAME or file:PATH)")
	cmd.Flags().StringVar(&issuer, "issuer", "anchord", "token issuer; must match server.jwt_issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret-ref")
	return cmd
}
