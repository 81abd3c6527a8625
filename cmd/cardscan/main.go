// Command cardscan recognizes a folder of business card photos through a
// cardscan gateway and prints the results table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/cardscan/internal/batch"
	"github.com/dunamismax/cardscan/internal/config"
	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/export"
	"github.com/dunamismax/cardscan/internal/logging"
	"github.com/dunamismax/cardscan/internal/recognize"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/rs/zerolog"
)

var (
	errUsage        = errors.New("usage: cardscan [flags] <file|dir>...")
	errBadPassword  = errors.New("invalid password")
	errJobsFailed   = errors.New("some cards could not be recognized")
	errNoCardsFound = errors.New("no .jpg, .jpeg or .png files found")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "cardscan: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	gateway    string
	password   string
	limit      int
	policy     string
	out        string
	timeout    time.Duration
	quiet      bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	flags := flag.NewFlagSet("cardscan", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&opts.gateway, "gateway", "", "cardscan gateway base URL (default from config)")
	flags.StringVar(&opts.password, "password", "", "page access password (default $PAGE_ACCESS_PASSWORD)")
	flags.IntVar(&opts.limit, "limit", 0, "concurrent recognitions (default from config)")
	flags.StringVar(&opts.policy, "policy", "", "rerun policy: skip-resolved or rerun-failed")
	flags.StringVar(&opts.out, "out", "", "write results to this .xlsx or .csv file")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-card timeout (default from config)")
	flags.BoolVar(&opts.quiet, "quiet", false, "do not print progress")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errUsage
	}
	if opts.out != "" {
		if _, err := outputFormat(opts.out); err != nil {
			return err
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	// Progress lines and log events share stderr from several goroutines.
	stderr = zerolog.SyncWriter(stderr)
	logger := logging.NewWithWriter(stderr, cfg.Logging, "cli")
	applyDefaults(&opts, cfg)

	policy, err := batch.ParseRerunPolicy(opts.policy)
	if err != nil {
		return err
	}

	uploads, err := collectUploads(flags.Args())
	if err != nil {
		return err
	}
	if len(uploads) == 0 {
		return errNoCardsFound
	}

	client := recognize.NewClient(opts.gateway, opts.timeout, logger)
	if opts.password != "" {
		ok, err := client.VerifyPassword(ctx, opts.password)
		if err != nil {
			return fmt.Errorf("verify password: %w", err)
		}
		if !ok {
			return errBadPassword
		}
	}

	registry := store.NewRegistry()
	registry.Submit(uploads...)

	if !opts.quiet {
		changes, unsubscribe := registry.Watch(len(uploads) * 2)
		defer unsubscribe()
		go printProgress(stderr, changes, len(uploads))
	}

	controller := batch.NewController(logger, registry, client, batch.Config{
		Limit:      opts.limit,
		Policy:     policy,
		JobTimeout: opts.timeout,
	})
	summary, err := controller.RecognizeAll(ctx)
	if err != nil {
		return err
	}

	jobs := registry.List()
	if err := printTable(stdout, jobs); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d succeeded, %d failed in %s\n",
		summary.Succeeded, summary.Failed, summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))

	if opts.out != "" {
		if err := writeResults(opts.out, jobs); err != nil {
			return err
		}
		logger.Info().Str("path", opts.out).Msg("results written")
	}

	if summary.Failed > 0 {
		return errJobsFailed
	}
	return nil
}

func applyDefaults(opts *options, cfg *config.Config) {
	if opts.gateway == "" {
		opts.gateway = cfg.CLI.Gateway
	}
	if opts.password == "" {
		opts.password = cfg.Gate.Password
	}
	if opts.limit <= 0 {
		opts.limit = cfg.Batch.Limit
	}
	if opts.policy == "" {
		opts.policy = cfg.Batch.Policy
	}
	if opts.timeout <= 0 {
		opts.timeout = cfg.Provider.Timeout
	}
}

// collectUploads reads every accepted image named directly or found under a
// directory, sorted by path within each argument.
func collectUploads(paths []string) ([]domain.Upload, error) {
	var uploads []domain.Upload
	for _, root := range paths {
		var files []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if path != root && domain.MediaTypeFor(path, "") == "" {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
		sort.Strings(files)

		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			upload := domain.Upload{Name: filepath.Base(path), Data: data}
			if err := upload.Validate(); err != nil {
				return nil, err
			}
			uploads = append(uploads, upload)
		}
	}
	return uploads, nil
}

func printProgress(w io.Writer, changes <-chan store.Change, total int) {
	done := 0
	for change := range changes {
		switch change.Type {
		case store.ChangeRunning:
			fmt.Fprintf(w, "  recognizing %s\n", change.Job.Name)
		case store.ChangeResolved:
			done++
			status := "ok"
			if change.Job.State == domain.JobStateFailed {
				status = "failed: " + change.Job.Error
			}
			fmt.Fprintf(w, "[%d/%d] %s %s\n", done, total, change.Job.Name, status)
		}
	}
}

func printTable(w io.Writer, jobs []domain.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATE\tNAME\tCOMPANY\tPOSITION\tPHONE\tCOUNTRY\tERROR")
	for _, row := range export.RowsFromJobs(jobs) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.FileName,
			row.State,
			dash(row.Record.Name),
			dash(row.Record.Company),
			dash(row.Record.Position),
			dash(row.Record.Phone),
			dash(row.Record.Country),
			dash(row.Error),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func writeResults(path string, jobs []domain.Job) error {
	rows := export.RowsFromJobs(jobs)

	format, err := outputFormat(path)
	if err != nil {
		return err
	}

	var body []byte
	if format == "csv" {
		body, err = export.CSVBytes(rows)
	} else {
		body, err = export.XLSX(rows)
	}
	if err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func outputFormat(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".xlsx":
		return ext[1:], nil
	default:
		return "", fmt.Errorf("unsupported output format %q: use .xlsx or .csv", ext)
	}
}
