package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/eteran/mapistore/internal/backends/s3"
	"github.com/eteran/mapistore/internal/backends/sample"
	"github.com/eteran/mapistore/internal/backends/sqlite"
	"github.com/eteran/mapistore/internal/mapistore"
)

// Run parses args, mounts the requested uri and resolves one folder on it.
// Logs are written to stdout.
func Run(ctx context.Context, args []string, stdout io.Writer) error {

	flags := flag.NewFlagSet("mapistore", flag.ContinueOnError)
	flags.SetOutput(stdout)

	dataDir := flags.String("data-dir", "./data", "directory to store sqlite mail stores")
	uri := flags.String("uri", "sample://mount1", "mount uri to open")
	folder := flags.String("folder", "0", "folder id to resolve (0 is the root)")
	s3Endpoint := flags.String("s3-endpoint", "", "S3 endpoint host[:port]; the s3 backend is disabled when empty")
	s3AccessKey := flags.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flags.String("s3-secret-key", "", "S3 secret key")
	s3Region := flags.String("s3-region", "us-east-1", "S3 region")
	s3Secure := flags.Bool("s3-secure", false, "use TLS for the S3 endpoint")
	verbose := flags.Bool("verbose", false, "enable debug logging")

	if err := flags.Parse(args); err != nil {
		return err
	}

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	id, err := strconv.ParseUint(*folder, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid folder id %q: %w", *folder, err)
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	registry := mapistore.NewRegistry(mapistore.WithLogger(logger))

	store := sqlite.New(sqlite.WithBaseDir(absDataDir), sqlite.WithLogger(logger))
	defer store.Close()

	backends := []mapistore.Backend{
		sample.New(sample.WithLogger(logger)),
		store,
	}

	if *s3Endpoint != "" {
		backends = append(backends, s3.New(
			s3.WithEndpoint(*s3Endpoint, *s3Secure),
			s3.WithCredentials(*s3AccessKey, *s3SecretKey),
			s3.WithRegion(*s3Region),
			s3.WithLogger(logger),
		))
	}

	for _, b := range backends {
		if err := registry.Register(b); err != nil {
			return fmt.Errorf("failed to register backend: %w", err)
		}
	}

	// A backend that fails to initialize is only fatal if it owns the uri.
	if err := registry.InitAll(ctx); err != nil {
		slog.Warn("Some backends failed to initialize", "error", err)
	}

	for _, desc := range registry.Backends() {
		slog.Debug("Registered backend", "name", desc.Name, "namespace", desc.Namespace, "description", desc.Description)
	}

	mount, err := registry.Mount(ctx, *uri)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", *uri, err)
	}

	defer func() {
		if err := mount.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Error releasing mount", "uri", *uri, "error", err)
		}
	}()

	handle, found, err := mount.RootFolder(ctx, mapistore.FolderID(id))
	if err != nil {
		return fmt.Errorf("failed to resolve folder %s: %w", mapistore.FolderID(id), err)
	}

	if !found {
		slog.Info("Folder not found", "uri", *uri, "folder", mapistore.FolderID(id))
		return nil
	}

	slog.Info("Resolved folder", "uri", handle.Mount, "id", handle.ID, "name", handle.Name, "backend", mount.Context.Backend())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err != nil {
		slog.Error("mapistore exited with error", "error", err)
		if errors.Is(err, mapistore.NamespaceMismatch) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
