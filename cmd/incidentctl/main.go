package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/logging"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/utils"
)

// options are the connection flags. Each defaults to its environment variable.
type options struct {
	network     string
	rpcURLs     []string
	contract    string
	key         string
	concurrency int
	maxIDs      uint64
	timeout     time.Duration
	verbose     bool
}

func main() {
	root := newRootCmd(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "incidentctl",
		Short:         "Reconcile SafeRoads incidents and rewards against the ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.network, "network", utils.Env("LEDGER_NETWORK", ledger.DefaultNetwork.Key), "network preset (calibration, mainnet)")
	f.StringSliceVar(&opts.rpcURLs, "rpc", utils.EnvList("LEDGER_RPC_URLS", nil), "JSON-RPC endpoints, tried in order (default: the preset's)")
	f.StringVar(&opts.contract, "contract", utils.Env("LEDGER_CONTRACT", ""), "incident contract address")
	f.StringVar(&opts.key, "key", utils.Env("VERIFIER_PRIVATE_KEY", ""), "hex private key of the verifier")
	f.IntVar(&opts.concurrency, "concurrency", utils.EnvInt("SCAN_CONCURRENCY", 0), "parallel incident fetches (0 = auto)")
	f.Uint64Var(&opts.maxIDs, "max-incidents", utils.EnvUint64("SCAN_MAX_INCIDENTS", reconcile.DefaultMaxIncidents), "highest last incident id a scan accepts")
	f.DurationVar(&opts.timeout, "timeout", utils.EnvDuration("LEDGER_CALL_TIMEOUT", 15*time.Second), "per-call ledger timeout")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(
		newRefreshCmd(opts, out),
		newIncidentsCmd(opts, out),
		newVerifyCmd(opts, out),
		newDiagnoseCmd(opts, out),
		newNetworksCmd(out),
	)
	return root
}

// session holds what every ledger command needs.
type session struct {
	engine *reconcile.Engine
	logger *zap.Logger
}

func (o *options) connect() (*session, error) {
	logger, err := logging.NewCLI(o.verbose)
	if err != nil {
		return nil, err
	}
	network, err := ledger.NetworkByKey(o.network)
	if err != nil {
		return nil, err
	}
	if o.contract == "" {
		return nil, errors.New("--contract or LEDGER_CONTRACT is required")
	}
	endpoints := o.rpcURLs
	if len(endpoints) == 0 {
		endpoints = []string{network.RPCURL}
	}
	client, err := ledger.NewHTTPWithOpts(ledger.Opts{
		Endpoints: endpoints,
		Contract:  o.contract,
		Timeout:   o.timeout,
	})
	if err != nil {
		return nil, err
	}
	engine := reconcile.New(client, logger, reconcile.Config{
		Network:      network,
		Contract:     o.contract,
		Concurrency:  o.concurrency,
		CallTimeout:  o.timeout,
		MaxIncidents: o.maxIDs,
	})
	return &session{engine: engine, logger: logger}, nil
}

func (s *session) close() {
	s.engine.Close()
	_ = s.logger.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// withKind prefixes err with its ledger error kind.
func withKind(err error) error {
	if kind := ledger.KindName(err); kind != "" {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return err
}

func newRefreshCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <account>",
		Short: "Scan every incident and aggregate the account's summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := ledger.ParseAccount(args[0])
			if err != nil {
				return err
			}
			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := signalContext()
			defer cancel()

			summary, err := s.engine.Refresh(ctx, account)
			if summary != nil {
				if perr := printJSON(out, summary); perr != nil {
					return perr
				}
			}
			if err != nil {
				return withKind(err)
			}
			return nil
		},
	}
}

func newIncidentsCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "incidents",
		Short: "Print every incident with the contract state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := signalContext()
			defer cancel()

			snap, err := s.engine.Snapshot(ctx)
			if snap != nil {
				if perr := printJSON(out, snap); perr != nil {
					return perr
				}
			}
			if err != nil {
				return withKind(err)
			}
			return nil
		},
	}
}

func newVerifyCmd(opts *options, out io.Writer) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify an incident as the contract owner, then refresh a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("incident id must be a positive integer, got %q", args[0])
			}
			if opts.key == "" {
				return errors.New("--key or VERIFIER_PRIVATE_KEY is required")
			}
			signer, err := ledger.NewKeySigner(opts.key)
			if err != nil {
				return err
			}
			sess := reconcile.Session{Signer: signer}
			if account != "" {
				if sess.Account, err = ledger.ParseAccount(account); err != nil {
					return err
				}
			}

			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := signalContext()
			defer cancel()

			summary, v, err := s.engine.VerifyAndRefresh(ctx, id, sess)
			var refreshErr *reconcile.RefreshError
			if err != nil && !errors.As(err, &refreshErr) {
				return withKind(err)
			}
			result := struct {
				IncidentID   uint64                    `json:"incidentId"`
				Reporter     ledger.Account            `json:"reporter"`
				Reward       string                    `json:"reward"`
				Receipt      *ledger.Receipt           `json:"receipt"`
				TxURL        string                    `json:"txUrl"`
				Summary      *reconcile.AccountSummary `json:"summary,omitempty"`
				RefreshError string                    `json:"refreshError,omitempty"`
			}{
				IncidentID: id,
				Reporter:   v.Incident.ReportedBy,
				Reward:     v.Reward.String(),
				Receipt:    v.Receipt,
				TxURL:      s.engine.Network().TxURL(v.Receipt.TxHash),
				Summary:    summary,
			}
			if err != nil {
				result.RefreshError = err.Error()
			}
			return printJSON(out, result)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to refresh afterwards (default: the verifier)")
	return cmd
}

func newDiagnoseCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check the endpoint, contract and chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := signalContext()
			defer cancel()

			d := s.engine.Diagnose(ctx)
			if err := printJSON(out, d); err != nil {
				return err
			}
			if !d.Healthy {
				return errors.New("diagnostics failed")
			}
			return nil
		},
	}
}

func newNetworksCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List the network presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(out, ledger.Networks())
		},
	}
}
