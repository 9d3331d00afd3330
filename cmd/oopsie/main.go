// Command oopsie submits bug reports from the command line and redelivers
// reports that an earlier run could not send.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"

	"oopsie/internal/config"
	"oopsie/sdk"
	"oopsie/sdk/transport"
)

const usage = `usage: oopsie <command> [flags]

commands:
  submit   send a report
  flush    redeliver reports queued by earlier runs
`

type commonFlags struct {
	serverURL string
	apiKey    string
	queueDir  string
	logLevel  string
	timeout   time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "submit":
		err = runSubmit(ctx, args[1:], stdout, stderr)
	case "flush":
		err = runFlush(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		log.WithError(err).Error(args[0] + " failed")
		return 1
	}
	return 0
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	common := &commonFlags{}
	fs.StringVar(&common.serverURL, "server", os.Getenv("OOPSIE_SERVER_URL"), "report server base url")
	fs.StringVar(&common.apiKey, "key", os.Getenv("OOPSIE_API_KEY"), "project api key")
	fs.StringVar(&common.queueDir, "queue-dir", os.Getenv("OOPSIE_QUEUE_DIR"), "directory holding undelivered reports")
	fs.StringVar(&common.logLevel, "log-level", "info", "log level")
	fs.DurationVar(&common.timeout, "timeout", 30*time.Second, "overall deadline")
	return common
}

func (c *commonFlags) reporter(stderr io.Writer) (*sdk.Reporter, error) {
	if err := config.ConfigureLogging("text", c.logLevel, stderr); err != nil {
		return nil, err
	}

	cfg := sdk.Config{
		ServerURL: c.serverURL,
		APIKey:    c.apiKey,
		Logger:    log.Log,
	}
	if c.queueDir != "" {
		cfg.Storage = transport.NewDiskStorage(c.queueDir, transport.DefaultStorageKey)
	}
	return sdk.New(cfg)
}

func runSubmit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := bindCommon(fs)

	var (
		form  sdk.Form
		page  string
		files []string
	)
	fs.StringVar(&form.Message, "message", "", "what went wrong")
	fs.StringVar(&form.Category, "category", transport.CategoryOther, "ui, crash, performance or other")
	fs.StringVar(&form.Severity, "severity", transport.SeverityMedium, "low, medium, high or critical")
	fs.StringVar(&form.Email, "email", "", "reporter email")
	fs.BoolVar(&form.Consent, "consent", false, "consent to sending device and activity context")
	fs.StringVar(&page, "page", "", "url the report refers to")
	fs.Func("attach", "file to attach, repeatable", func(path string) error {
		files = append(files, path)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}

	attachments, err := readAttachments(files)
	if err != nil {
		return err
	}
	form.Attachments = attachments

	reporter, err := common.reporter(stderr)
	if err != nil {
		return err
	}
	if page != "" {
		reporter.Page().Navigate(page)
	}

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()

	reporter.Start(ctx)
	defer reporter.Stop()

	delivered, err := reporter.Submit(ctx, form)
	if err != nil {
		return err
	}
	if delivered {
		_, _ = fmt.Fprintln(stdout, "report delivered")
		return nil
	}
	_, _ = fmt.Fprintln(stdout, "report queued, run `oopsie flush` to retry")
	return nil
}

func runFlush(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("flush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reporter, err := common.reporter(stderr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()

	reporter.Start(ctx)
	defer reporter.Stop()

	if reporter.Queue().HasPending(ctx) {
		_, _ = fmt.Fprintln(stdout, "reports still pending")
		return nil
	}
	_, _ = fmt.Fprintln(stdout, "queue empty")
	return nil
}

func readAttachments(paths []string) ([]transport.Attachment, error) {
	attachments := make([]transport.Attachment, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		attachments = append(attachments, transport.Attachment{
			Filename:    filepath.Base(path),
			ContentType: contentTypeOf(path, data),
			Data:        data,
		})
	}
	return attachments, nil
}

func contentTypeOf(path string, data []byte) string {
	if byExtension := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExtension != "" {
		return byExtension
	}
	return http.DetectContentType(data)
}
