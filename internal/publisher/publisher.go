package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/govready/release-grq/internal/archive"
	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/config/version"
	"github.com/govready/release-grq/internal/failure"
	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/integrity"
	"github.com/govready/release-grq/internal/manifest"
	"github.com/govready/release-grq/internal/release"
	"github.com/govready/release-grq/internal/render"
	"github.com/govready/release-grq/internal/utils/convert"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/gosuri/uitable"
	pkgerrors "github.com/pkg/errors"
)

// LockFile is created in the work directory and held for the whole run.
const LockFile = ".release-grq.lock"

// MetadataSource resolves the release to publish.
type MetadataSource interface {
	ResolveLatest(ctx context.Context) (*release.Info, error)
}

// ArtifactFetcher downloads one archive of a release.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, id string, format fetcher.Format) (*fetcher.Artifact, error)
}

// Options are the per-run switches from the command line.
type Options struct {
	Verbose        bool
	User           bool
	Docker         bool
	NonInteractive bool
	NoManifest     bool
	// Out receives the rendered rows; os.Stdout when nil.
	Out io.Writer
	// Console receives the verbose summary; os.Stderr when nil.
	Console io.Writer
	// Progress receives download progress bars; nil disables them.
	Progress io.Writer
}

// Publisher runs the whole pipeline for the latest release.
type Publisher struct {
	Source      MetadataSource
	Fetcher     ArtifactFetcher
	Reporter    *integrity.Reporter
	Formats     []fetcher.Format
	WorkDir     string
	Manifest    bool
	Signer      *manifest.Signer
	InstallMode string
	Verbose     bool
	Out         io.Writer
	Console     io.Writer
}

// Row is one published artifact.
type Row struct {
	Artifact    *fetcher.Artifact
	Measurement *integrity.Measurement
	Archive     *archive.Summary
	HTML        string
}

// Report is the outcome of a successful run.
type Report struct {
	Release  *release.Info
	Rows     []Row
	Manifest *manifest.Written
	Elapsed  time.Duration
}

// InstallMode names how the tool was asked to run, for the manifest.
func InstallMode(opts Options) string {
	switch {
	case opts.Docker:
		return "docker"
	case opts.User:
		return "user"
	}
	return "host"
}

// New wires a Publisher from the global configuration.
func New(cfg *config.GlobalConfig, opts Options) (*Publisher, error) {
	workDir, err := cfg.EnsureWorkDir()
	if err != nil {
		return nil, err
	}

	src := release.NewResolver(cfg.Release.MetadataURL, cfg.MetadataTimeout(),
		release.WithToken(cfg.Token()),
		release.WithUserAgent(version.UserAgent()),
	)

	f := fetcher.New(cfg.Release.ArchiveBaseURL, cfg.Release.FilePrefix, workDir, cfg.DownloadTimeout())
	f.UserAgent = version.UserAgent()
	f.MaxBytes = cfg.MaxDownloadBytes()
	if !opts.NonInteractive {
		f.Progress = opts.Progress
	}

	p := &Publisher{
		Source:  src,
		Fetcher: f,
		Reporter: &integrity.Reporter{
			Command:    cfg.Checksum.Command,
			User:       opts.User,
			Timeout:    cfg.TimeoutDuration(),
			Verbose:    opts.Verbose,
			CrossCheck: cfg.Checksum.CrossCheck,
		},
		Formats:     fetcher.Formats(),
		WorkDir:     workDir,
		Manifest:    cfg.Manifest.Enabled && !opts.NoManifest,
		InstallMode: InstallMode(opts),
		Verbose:     opts.Verbose,
		Out:         opts.Out,
		Console:     opts.Console,
	}

	if p.Manifest && cfg.Manifest.SigningKey != "" {
		passphrase := []byte(os.Getenv(cfg.Manifest.PassphraseEnv))
		signer, err := manifest.LoadSigner(cfg.Manifest.SigningKey, passphrase)
		if err != nil {
			return nil, &failure.FatalError{Reason: "cannot use the configured signing key", Err: err}
		}
		p.Signer = signer
	}
	return p, nil
}

// Run publishes the latest release. Rows are printed as soon as each
// artifact is measured; the first failure aborts the run.
func (p *Publisher) Run(ctx context.Context) (report *Report, err error) {
	log := logger.Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			report, err = nil, recovered(r)
		}
	}()

	if err := p.probe(ctx); err != nil {
		return nil, err
	}

	unlock, err := p.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := p.Source.ResolveLatest(ctx)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	log.Infof("Publishing release %s", info.ID)

	report = &Report{Release: info}
	for i, format := range p.formats() {
		row, err := p.publishOne(ctx, info, format, i == 0)
		if err != nil {
			return nil, err
		}
		report.Rows = append(report.Rows, *row)
		fmt.Fprintln(p.out(), row.HTML)
		fmt.Fprint(p.out(), render.Spacer+"\n")
	}

	if p.Manifest {
		written, err := p.writeManifest(info, report.Rows)
		if err != nil {
			return nil, pkgerrors.WithStack(err)
		}
		report.Manifest = written
	}

	report.Elapsed = time.Since(start)
	if p.Verbose {
		p.summarize(report)
	}
	return report, nil
}

func (p *Publisher) publishOne(ctx context.Context, info *release.Info, format fetcher.Format, first bool) (*Row, error) {
	log := logger.Logger()

	art, err := p.Fetcher.Fetch(ctx, string(info.ID), format)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}

	summary, err := archive.Inspect(art.Path, format)
	if err != nil {
		log.Warnf("%s could not be inspected, publishing it anyway: %v", art.Name, err)
		summary = &archive.Summary{}
	} else {
		log.Debugf("%s: %d entries under %q", art.Name, summary.Entries, summary.Root)
	}

	m, err := p.Reporter.Measure(ctx, art.Path)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	if m.Size != art.Size {
		return nil, &failure.FatalError{
			Reason: fmt.Sprintf("%s is %d bytes on disk but %d bytes were downloaded", art.Name, m.Size, art.Size),
		}
	}

	html := render.Row(render.Entry{
		Release:  string(info.ID),
		Format:   format,
		FileName: art.Name,
		Checksum: m.Checksum,
		Size:     m.Size,
		First:    first,
	})
	return &Row{Artifact: art, Measurement: m, Archive: summary, HTML: html}, nil
}

// probe fails early when the checksum program is not installed, before
// anything is downloaded.
func (p *Publisher) probe(ctx context.Context) error {
	return p.Reporter.Probe(ctx)
}

func (p *Publisher) lock() (func(), error) {
	if p.WorkDir == "" {
		return func() {}, nil
	}
	fl := flock.New(filepath.Join(p.WorkDir, LockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, &failure.FatalError{Reason: "cannot lock work directory " + p.WorkDir, Err: err}
	}
	if !locked {
		return nil, &failure.FatalError{Reason: "work directory " + p.WorkDir + " is in use by another run"}
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			logger.Logger().Warnf("failed to release lock on %s: %v", p.WorkDir, err)
		}
	}, nil
}

func (p *Publisher) writeManifest(info *release.Info, rows []Row) (*manifest.Written, error) {
	m := manifest.New(string(info.ID), info.HTMLURL)
	m.Prerelease = info.Prerelease
	m.InstallMode = p.InstallMode
	if info.Version != nil {
		m.Version = info.Version.String()
	}
	if !info.PublishedAt.IsZero() {
		m.PublishedAt = info.PublishedAt.UTC().Format(time.RFC3339)
	}
	cmd := p.Reporter.Args("")
	m.ChecksumCommand = cmd[:len(cmd)-1]

	for _, r := range rows {
		m.Add(manifest.Artifact{
			Name:      r.Artifact.Name,
			Format:    string(r.Artifact.Format),
			URL:       r.Artifact.URL,
			SizeBytes: r.Measurement.Size,
			Checksum:  r.Measurement.Checksum,
			Entries:   r.Archive.Entries,
		})
	}
	return manifest.Write(p.WorkDir, m, p.Signer)
}

func (p *Publisher) summarize(r *Report) {
	table := uitable.New()
	table.MaxColWidth = 72
	table.AddRow("FILE", "SIZE", "ENTRIES", "CHECKSUM")
	for _, row := range r.Rows {
		table.AddRow(row.Artifact.Name, convert.FormatMB(row.Measurement.Size), row.Archive.Entries, row.Measurement.Checksum)
	}
	fmt.Fprintf(p.console(), "Release %s (%s)\n", r.Release.ID, r.Release.HTMLURL)
	fmt.Fprintln(p.console(), table)
	if r.Manifest != nil {
		fmt.Fprintf(p.console(), "Manifest: %s\n", r.Manifest.ManifestPath)
	}
	fmt.Fprintf(p.console(), "Elapsed time: %f seconds.\n", r.Elapsed.Seconds())
}

func (p *Publisher) formats() []fetcher.Format {
	if len(p.Formats) == 0 {
		return fetcher.Formats()
	}
	return p.Formats
}

func (p *Publisher) out() io.Writer {
	if p.Out != nil {
		return p.Out
	}
	return os.Stdout
}

func (p *Publisher) console() io.Writer {
	if p.Console != nil {
		return p.Console
	}
	return os.Stderr
}

// panicError carries the stack of the panicking frame so the operator is
// told where the run broke.
type panicError struct {
	value any
	stack pkgerrors.StackTrace
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) StackTrace() pkgerrors.StackTrace {
	return e.stack
}

func recovered(v any) error {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	pcs = pcs[:n]

	// Skip up to the panic, then past the runtime frames of a fault such
	// as a nil dereference.
	start := 0
	for i, pc := range pcs {
		if fn := runtime.FuncForPC(pc - 1); fn != nil && fn.Name() == "runtime.gopanic" {
			start = i + 1
			break
		}
	}
	for start < len(pcs) {
		fn := runtime.FuncForPC(pcs[start] - 1)
		if fn == nil || !strings.HasPrefix(fn.Name(), "runtime.") {
			break
		}
		start++
	}
	stack := make(pkgerrors.StackTrace, 0, len(pcs)-start)
	for _, pc := range pcs[start:] {
		stack = append(stack, pkgerrors.Frame(pc))
	}
	return &panicError{value: v, stack: stack}
}
