package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/annotate"
	"github.com/wolfeidau/account-age/engine"
	"github.com/wolfeidau/account-age/server"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080" env:"ACCOUNT_AGE_ADDRESS"`
	AuthToken       string        `help:"Require this Bearer token on API routes." env:"ACCOUNT_AGE_AUTH_TOKEN"`
	LookupTimeout   time.Duration `help:"Maximum wait for a synchronous lookup." default:"30s"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight work on shutdown." default:"10s"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := g.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	e, err := g.Engine(ctx)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:       c.Address,
		AuthToken:     c.AuthToken,
		LookupTimeout: c.LookupTimeout,
		Engine:        e,
		Logger:        logger,
	})
	if err != nil {
		_ = e.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"lookup_url", fmt.Sprintf("http://localhost%s/age/{handle}", srv.Address()),
		"scan_url", fmt.Sprintf("http://localhost%s/scan", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		_ = e.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type LookupCmd struct {
	Handles []string `arg:"" help:"Handles to resolve."`
	JSON    bool     `help:"Print annotations as JSON lines."`
}

func (c *LookupCmd) Run(g *Globals) error {
	handles := make([]accountage.Handle, 0, len(c.Handles))
	for _, raw := range c.Handles {
		h, err := accountage.ParseHandle(raw)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	records, err := resolveAll(ctx, e, handles)
	if err != nil {
		return err
	}
	return printRecords(os.Stdout, records, c.JSON)
}

type ScanCmd struct {
	File string `arg:"" help:"Content snapshot to scan, or - for stdin." default:"-"`
	JSON bool   `help:"Print annotations as JSON lines."`
}

func (c *ScanCmd) Run(g *Globals) error {
	content, err := readInput(c.File)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	var handles []accountage.Handle
	for h := range e.Extractor.Handles(content) {
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		g.Logger().Info("no handles found", "file", c.File)
		return nil
	}

	records, err := resolveAll(ctx, e, handles)
	if err != nil {
		return err
	}
	return printRecords(os.Stdout, records, c.JSON)
}

type VersionCmd struct{}

func (VersionCmd) Run(*Globals) error {
	fmt.Println(version)
	return nil
}

// resolveAll requests every handle concurrently; the fetcher bounds the
// outbound concurrency. Records are returned in input order.
func resolveAll(ctx context.Context, e *engine.Engine, handles []accountage.Handle) ([]accountage.AgeRecord, error) {
	records := make([]accountage.AgeRecord, len(handles))
	g, ctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		g.Go(func() error {
			rec, err := e.Coordinator.Request(ctx, h)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", h, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func printRecords(w io.Writer, records []accountage.AgeRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(annotate.NewAnnotation(rec)); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HANDLE\tAGE\tSOURCE")
	for _, rec := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Handle, annotate.Label(rec), rec.Source)
	}
	return tw.Flush()
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
