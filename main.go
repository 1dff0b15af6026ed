package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradesim/internal/api"
	"tradesim/internal/broker"
	"tradesim/internal/engine"
	"tradesim/internal/events"
	"tradesim/internal/exchange"
	"tradesim/internal/market"
	"tradesim/internal/order"
	"tradesim/internal/portfolio"
	"tradesim/internal/position"
	"tradesim/internal/risk"
	"tradesim/internal/strategy"
	"tradesim/pkg/config"
	"tradesim/pkg/db"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	root := &cobra.Command{
		Use:           "tradesim",
		Short:         "Bar-driven trading simulation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("tradesim: %v", err)
	}
}

func runCmd() *cobra.Command {
	var (
		startFlag  string
		endFlag    string
		freq       string
		source     string
		rosterPath string
		dataDir    string
		dbPath     string
		apiAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation session over preloaded bar data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if rosterPath != "" {
				cfg.RosterPath = rosterPath
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if apiAddr != "" {
				cfg.APIAddr = apiAddr
			}

			start, err := parseTime(startFlag)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			end, err := parseTime(endFlag)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, source, start, end, freq)
		},
	}

	cmd.Flags().StringVar(&startFlag, "start", "", "session start (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&endFlag, "end", "", "session end (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&freq, "freq", "1min", "bar frequency (30s, 1min, 5min, 1h, 1D)")
	cmd.Flags().StringVar(&source, "source", "sim", "snapshot source tag")
	cmd.Flags().StringVar(&rosterPath, "roster", "", "strategy roster YAML (overrides ROSTER_PATH)")
	cmd.Flags().StringVar(&dataDir, "data", "", "bar data directory (overrides DATA_DIR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides DB_PATH)")
	cmd.Flags().StringVar(&apiAddr, "api", "", "status API listen address (overrides API_ADDR)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, source string, start, end time.Time, freq string) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	store := database.Store()

	bus := events.NewBus()
	oms := order.NewManager(source, bus)
	mdm := market.NewSimData()
	exch := exchange.NewPaperExchange(cfg.FillMultiplier)
	brk := broker.NewPaperBroker(oms, exch, map[string]float64{"stock": cfg.StockFee})
	rm := risk.NewManager(oms)
	pm := position.NewManager(oms, mdm)

	reqs, err := mdm.LoadCSVDirAll(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load bar data: %w", err)
	}
	log.Printf("[main] loaded %d bar series from %s", len(reqs), cfg.DataDir)

	rows, err := strategyRows(cfg, store)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no active strategies configured")
	}

	proc := engine.NewProcessor(source, oms, mdm, exch, brk, rm, pm, bus, store, cfg.Strict)
	portfolios := make(map[string]*portfolio.Portfolio)
	for _, row := range rows {
		s, err := strategy.New(row.ClassName)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", row.StrategyID, err)
		}
		pf, ok := portfolios[row.PortfolioID]
		if !ok {
			pf = portfolio.New(row.PortfolioID, oms, pm, mdm, cfg.PriceOffset, cfg.Crossing)
			portfolios[row.PortfolioID] = pf
			proc.AddPortfolio(pf)
		}
		s.Init(row.StrategyID, row.PortfolioID, strategy.Handles{OMS: oms, Portfolio: pf, PM: pm, MDM: mdm})
		s.SetParameters(row.Params)
		pf.AddStrategy(s)
		log.Printf("[main] strategy %s (%s) in portfolio %s", row.StrategyID, row.ClassName, row.PortfolioID)
	}

	if cfg.APIAddr != "" {
		server := api.NewServer(oms, pm, bus, api.SystemMeta{Source: source, Version: version()})
		go func() {
			if err := server.Run(cfg.APIAddr); err != nil {
				log.Printf("[main] api server: %v", err)
			}
		}()
		log.Printf("[main] status api on %s", cfg.APIAddr)
	}

	runner, err := engine.NewRunner(proc, start, end, freq)
	if err != nil {
		return err
	}
	log.Printf("[main] session %s .. %s @ %s (source=%s)", start.Format(time.RFC3339), end.Format(time.RFC3339), freq, source)
	return runner.Run(ctx)
}

// strategyRows resolves the strategy roster: the YAML file when configured
// (synced into the database), the database enumeration otherwise.
func strategyRows(cfg *config.Config, store *db.Store) ([]db.StrategyRow, error) {
	if cfg.RosterPath == "" {
		rows, err := store.Strategies()
		if err != nil {
			return nil, fmt.Errorf("enumerate strategies: %w", err)
		}
		return rows, nil
	}

	roster, err := config.LoadRoster(cfg.RosterPath)
	if err != nil {
		return nil, err
	}
	rows := make([]db.StrategyRow, 0, len(roster.Strategies))
	for _, e := range roster.Strategies {
		row := db.StrategyRow{
			StrategyID:  e.StrategyID,
			PortfolioID: e.PortfolioID,
			ClassName:   e.ClassName,
			Params:      e.Params,
			Active:      true,
		}
		if err := store.UpsertStrategy(row); err != nil {
			return nil, fmt.Errorf("sync strategy %s: %w", e.StrategyID, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
