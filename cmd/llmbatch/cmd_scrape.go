package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "llmbatch/internal/config"
	"llmbatch/internal/diag"
	"llmbatch/internal/scrape"
	"llmbatch/pkg/contract"
	"llmbatch/plugins/assembler/table"
	wfs "llmbatch/plugins/writer/filesystem"
)

// 榜单站点与网页邮箱的登录凭据。
const (
	envSensorEmail    = "SENSORTOWER_EMAIL"
	envSensorPassword = "SENSORTOWER_PASSWORD"
	envMailEmail      = "TUTA_EMAIL"
	envMailPassword   = "TUTA_PASSWORD"
)

type browserFlags struct {
	headful  bool
	timeout  time.Duration
	execPath string
}

func (b *browserFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVar(&b.headful, "headful", false, "show the browser window")
	f.DurationVar(&b.timeout, "timeout", 10*time.Minute, "overall browser session timeout")
	f.StringVar(&b.execPath, "chrome", "", "Chrome/Chromium executable (auto-detected when empty)")
}

func (b browserFlags) options() scrape.Options {
	return scrape.Options{Headless: !b.headful, Timeout: b.timeout, ExecPath: b.execPath}
}

func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Collect input data with a headless browser",
	}
	cmd.AddCommand(newScrapeReviewsCmd())
	cmd.AddCommand(newScrapeRankingsCmd())
	cmd.AddCommand(newScrapeMailCmd())
	return cmd
}

func newScrapeReviewsCmd() *cobra.Command {
	var (
		bf   browserFlags
		code string
		out  string
		raw  bool
	)
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Scrape all review pages of a goods item into a CSV ready for run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cfgpkg.LoadDotEnv(".env")
			logger := diag.New(diag.LogOptions{CorrID: uuid.NewString()})
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			s, err := scrape.NewSession(ctx, bf.options(), logger)
			if err != nil {
				return runtimeErr("%w", err)
			}
			defer s.Close()
			cards, err := s.ReviewCards(code)
			if err != nil && len(cards) == 0 {
				return runtimeErr("%w", err)
			}
			if err != nil {
				// 部分页失败：保留已取得的卡片
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：%v（已保留 %d 条）\n", err, len(cards))
			}
			text := scrape.JoinReviewCards(cards)
			if raw {
				if err := writeArtifact(ctx, out, code+"_reviews.txt", strings.NewReader(text)); err != nil {
					return runtimeErr("%w", err)
				}
			}
			reviews, skipped := scrape.ParseReviewBlocks(text)
			name := code + "_reviews.csv"
			if err := writeReviewsCSV(ctx, out, name, reviews); err != nil {
				return runtimeErr("%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reviews, %d skipped\n", filepath.Join(out, name), len(reviews), skipped)
			return nil
		},
	}
	bf.bind(cmd)
	f := cmd.Flags()
	f.StringVar(&code, "code", "", "goods i_code (required)")
	f.StringVar(&out, "out", "data", "output directory")
	f.BoolVar(&raw, "raw", false, "also keep the raw card text")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newScrapeRankingsCmd() *cobra.Command {
	var (
		bf    browserFlags
		apps  string
		store string
		date  string
	)
	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Record today's category ranking of every app/region/platform in apps.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cfgpkg.LoadDotEnv(".env")
			targets, err := scrape.LoadApps(apps)
			if err != nil {
				return configErr("%w", err)
			}
			email, password := os.Getenv(envSensorEmail), os.Getenv(envSensorPassword)
			if email == "" || password == "" {
				return configErr("%s and %s must be set", envSensorEmail, envSensorPassword)
			}
			if date == "" {
				date = time.Now().Format(scrape.DateLayout)
			}
			logger := diag.New(diag.LogOptions{CorrID: uuid.NewString()})
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			s, err := scrape.NewSession(ctx, bf.options(), logger)
			if err != nil {
				return runtimeErr("%w", err)
			}
			defer s.Close()
			if err := s.Login(email, password); err != nil {
				return runtimeErr("%w", err)
			}
			got := s.Rankings(targets)
			if err := (scrape.RankingStore{Path: store}).Save(ctx, date, got); err != nil {
				return runtimeErr("%w", err)
			}
			printRankings(cmd.OutOrStdout(), targets, got)
			return nil
		},
	}
	bf.bind(cmd)
	f := cmd.Flags()
	f.StringVar(&apps, "apps", "apps.yaml", "app list (YAML)")
	f.StringVar(&store, "store", "rankings.json", "ranking history file")
	f.StringVar(&date, "date", "", "date key, default today ("+scrape.DateLayout+")")
	return cmd
}

func newScrapeMailCmd() *cobra.Command {
	var (
		bf   browserFlags
		out  string
		body bool
	)
	cmd := &cobra.Command{
		Use:   "mail",
		Short: "Collect unread webmail into mail.txt and mail.csv",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cfgpkg.LoadDotEnv(".env")
			email, password := os.Getenv(envMailEmail), os.Getenv(envMailPassword)
			if email == "" || password == "" {
				return configErr("%s and %s must be set", envMailEmail, envMailPassword)
			}
			logger := diag.New(diag.LogOptions{CorrID: uuid.NewString()})
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			s, err := scrape.NewSession(ctx, bf.options(), logger)
			if err != nil {
				return runtimeErr("%w", err)
			}
			defer s.Close()
			if err := s.MailLogin(email, password); err != nil {
				return runtimeErr("%w", err)
			}
			mails, err := s.UnreadMail(body)
			if err != nil {
				return runtimeErr("%w", err)
			}
			if err := writeArtifact(ctx, out, "mail.txt", strings.NewReader(scrape.JoinMail(mails))); err != nil {
				return runtimeErr("%w", err)
			}
			if err := writeDatasetCSV(ctx, out, scrape.MailDataset("mail.csv", mails)); err != nil {
				return runtimeErr("%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d unread\n", filepath.Join(out, "mail.csv"), len(mails))
			return nil
		},
	}
	bf.bind(cmd)
	f := cmd.Flags()
	f.StringVar(&out, "out", "data", "output directory")
	f.BoolVar(&body, "body", false, "open each unread mail and keep its body")
	return cmd
}

func printRankings(w io.Writer, targets []scrape.Target, got map[string]scrape.Ranking) {
	for _, tg := range targets {
		r := got[tg.Key]
		if !r.Found() {
			fmt.Fprintf(w, "%s\t%s\n", tg.Key, scrape.NA)
			continue
		}
		fmt.Fprintf(w, "%s\t#%d\t%s\n", tg.Key, r.Rank, r.Category)
	}
}

// writeReviewsCSV 以 CSV（带 BOM）原子写出评价。
func writeReviewsCSV(ctx context.Context, dir, name string, reviews []scrape.Review) error {
	return writeDatasetCSV(ctx, dir, scrape.ReviewDataset(contract.FileID(name), reviews))
}

func writeDatasetCSV(ctx context.Context, dir string, ds contract.Dataset) error {
	rows := make([]contract.Fields, len(ds.Records))
	for i, r := range ds.Records {
		rows[i] = r.Fields
	}
	asm, err := table.NewCSV(nil)
	if err != nil {
		return err
	}
	body, err := asm.Assemble(ctx, ds.Header, rows)
	if err != nil {
		return err
	}
	return writeArtifact(ctx, dir, string(ds.FileID), body)
}

func writeArtifact(ctx context.Context, dir, name string, r io.Reader) error {
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	if err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(name), r)
}
