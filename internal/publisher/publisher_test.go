package publisher

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"
	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/failure"
	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/integrity"
	"github.com/govready/release-grq/internal/manifest"
	"github.com/govready/release-grq/internal/release"
	"github.com/govready/release-grq/internal/render"
	"github.com/govready/release-grq/internal/utils/shell"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

func zipPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("govready-q-1.2.3/README.md")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("GovReady-Q"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarGzPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "govready-q-1.2.3/README.md", Mode: 0644, Size: 10}); err != nil {
		t.Fatal(err)
	}
	_, _ = tw.Write([]byte("GovReady-Q"))
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	srv      *httptest.Server
	requests atomic.Int32
	zip      []byte
	tarGz    []byte
	cfg      *config.GlobalConfig
}

func newFixture(t *testing.T, metadataStatus int) *fixture {
	t.Helper()
	fx := &fixture{zip: zipPayload(t), tarGz: tarGzPayload(t)}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.requests.Add(1)
		switch r.URL.Path {
		case "/repos/govready/govready-q/releases/latest":
			w.WriteHeader(metadataStatus)
			_, _ = w.Write([]byte(`{"html_url": "https://github.com/GovReady/govready-q/releases/tag/1.2.3", "published_at": "2021-03-04T05:06:07Z"}`))
		case "/archive/refs/tags/1.2.3.zip":
			_, _ = w.Write(fx.zip)
		case "/archive/refs/tags/1.2.3.tar.gz":
			_, _ = w.Write(fx.tarGz)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fx.srv.Close)

	cfg := config.DefaultGlobalConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Release.MetadataURL = fx.srv.URL + "/repos/govready/govready-q/releases/latest"
	cfg.Release.ArchiveBaseURL = fx.srv.URL + "/archive/refs/tags"
	cfg.Release.TokenEnv = ""
	fx.cfg = cfg
	return fx
}

func useMock(t *testing.T, commands []shell.MockCommand) *shell.MockExecutor {
	t.Helper()
	mock := shell.NewMockExecutor(commands)
	original := shell.Default
	shell.Default = mock
	t.Cleanup(func() { shell.Default = original })
	return mock
}

var checksumMocks = []shell.MockCommand{
	{Pattern: `^shasum --version$`, Stdout: "6.02\n"},
	{Pattern: `^shasum -a 256 .*\.zip$`, Stdout: "zipsum  govready-q-1.2.3.zip\n"},
	{Pattern: `^shasum -a 256 .*\.tar\.gz$`, Stdout: "tgzsum  govready-q-1.2.3.tar.gz\n"},
}

func TestRun_EndToEnd(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, checksumMocks)

	var out bytes.Buffer
	p, err := New(fx.cfg, Options{Out: &out, NonInteractive: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Release.ID != "1.2.3" {
		t.Errorf("unexpected release %q", report.Release.ID)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(report.Rows))
	}
	if report.Rows[0].Artifact.Format != fetcher.Zip || report.Rows[1].Artifact.Format != fetcher.TarGz {
		t.Error("rows must follow the zip, tar.gz order")
	}
	if report.Rows[0].Measurement.Size != int64(len(fx.zip)) {
		t.Errorf("zip size %d, want %d", report.Rows[0].Measurement.Size, len(fx.zip))
	}
	if report.Rows[1].Measurement.Checksum != "tgzsum" {
		t.Errorf("unexpected tar.gz checksum %q", report.Rows[1].Measurement.Checksum)
	}

	want := report.Rows[0].HTML + "\n" + render.Spacer + "\n" + report.Rows[1].HTML + "\n" + render.Spacer + "\n"
	if out.String() != want {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if !strings.Contains(report.Rows[0].HTML, `<td class="release">1.2.3</td>`) {
		t.Errorf("first row should carry the release:\n%s", report.Rows[0].HTML)
	}
	if !strings.Contains(report.Rows[1].HTML, `<td class="">&nbsp;</td>`) {
		t.Errorf("second row should be a continuation:\n%s", report.Rows[1].HTML)
	}

	for _, name := range []string{"govready-q-1.2.3.zip", "govready-q-1.2.3.tar.gz"} {
		if _, err := os.Stat(filepath.Join(fx.cfg.WorkDir, name)); err != nil {
			t.Errorf("%s not downloaded: %v", name, err)
		}
	}

	sums, err := os.ReadFile(filepath.Join(fx.cfg.WorkDir, manifest.SumsFile))
	if err != nil {
		t.Fatalf("SHA256SUMS missing: %v", err)
	}
	if string(sums) != "zipsum  govready-q-1.2.3.zip\ntgzsum  govready-q-1.2.3.tar.gz\n" {
		t.Errorf("unexpected SHA256SUMS:\n%s", sums)
	}
	m, err := manifest.Load(report.Manifest.ManifestPath)
	if err != nil {
		t.Fatalf("manifest unreadable: %v", err)
	}
	if m.Version != "1.2.3" || m.InstallMode != "host" || len(m.Artifacts) != 2 || m.Artifacts[0].Entries != 1 {
		t.Errorf("unexpected manifest %+v", m)
	}
	if strings.Join(m.ChecksumCommand, " ") != "shasum -a 256" {
		t.Errorf("unexpected checksum command %v", m.ChecksumCommand)
	}
}

func TestRun_UnreadableArchiveStillPublished(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	fx.zip = bytes.Repeat([]byte("z"), 1000000)
	useMock(t, []shell.MockCommand{
		{Pattern: `^shasum --version$`},
		{Pattern: `\.zip$`, Stdout: "abcd1234  govready-q-1.2.3.zip\n"},
		{Pattern: `\.tar\.gz$`, Stdout: "tgzsum  govready-q-1.2.3.tar.gz\n"},
	})

	var out bytes.Buffer
	p, err := New(fx.cfg, Options{Out: &out, NonInteractive: true})
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("an archive that cannot be inspected must not stop the run: %v", err)
	}

	want := `<tr>
  <td class="release">1.2.3</td>
  <td><a href="govready-q-1.2.3.zip">govready-q-1.2.3.zip</a></td>
  <td>abcd1234</td>
  <td data-bytes="1000000">1.0 MB</td>
</tr>`
	if report.Rows[0].HTML != want {
		t.Errorf("unexpected zip row:\n%s", report.Rows[0].HTML)
	}
	if !strings.HasPrefix(out.String(), want+"\n"+render.Spacer+"\n") {
		t.Errorf("zip row not printed first:\n%s", out.String())
	}

	m, err := manifest.Load(report.Manifest.ManifestPath)
	if err != nil {
		t.Fatalf("manifest unreadable: %v", err)
	}
	if m.Artifacts[0].Entries != 0 || m.Artifacts[1].Entries != 1 {
		t.Errorf("unexpected entry counts %d, %d", m.Artifacts[0].Entries, m.Artifacts[1].Entries)
	}
}

func TestRun_ProbeUsesReporterExecutor(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	fallback := useMock(t, nil)

	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}, NoManifest: true})
	if err != nil {
		t.Fatal(err)
	}
	injected := shell.NewMockExecutor(checksumMocks)
	p.Reporter.Executor = injected

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(fallback.Calls) != 0 {
		t.Errorf("the default executor should not be used, got %+v", fallback.Calls)
	}
	if len(injected.Calls) != 3 {
		t.Errorf("expected probe plus two checksum runs on the injected executor, got %d", len(injected.Calls))
	}
}

func TestRun_UserMode(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	mock := useMock(t, []shell.MockCommand{
		{Pattern: `^shasum --version$`},
		{Pattern: `^shasum -a 256 --user `, Stdout: "abc  file\n"},
	})

	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}, User: true, NoManifest: true})
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Manifest != nil {
		t.Error("manifest should not be written with NoManifest")
	}
	if _, err := os.Stat(filepath.Join(fx.cfg.WorkDir, manifest.ManifestFile)); !os.IsNotExist(err) {
		t.Error("manifest file should not exist")
	}
	if len(mock.Calls) != 3 {
		t.Errorf("expected probe plus two checksum runs, got %d calls", len(mock.Calls))
	}
	if p.InstallMode != "user" {
		t.Errorf("unexpected install mode %q", p.InstallMode)
	}
}

func TestRun_MetadataFailure(t *testing.T) {
	fx := newFixture(t, http.StatusInternalServerError)
	useMock(t, checksumMocks)

	var out bytes.Buffer
	p, err := New(fx.cfg, Options{Out: &out})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	var fetchErr *release.MetadataFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected MetadataFetchError, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("no output expected, got %q", out.String())
	}
	if fx.requests.Load() != 1 {
		t.Errorf("no downloads should be attempted, saw %d requests", fx.requests.Load())
	}
	if d := failure.Classify(err); d.ExitCode != 1 {
		t.Errorf("expected exit 1, got %+v", d)
	}
}

func TestRun_ChecksumFailureAborts(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, []shell.MockCommand{
		{Pattern: `^shasum --version$`},
		{Pattern: `\.zip$`, Stdout: "zipsum  f\n"},
		{Pattern: `\.tar\.gz$`, ExitCode: 1, Stderr: "shasum: read error"},
	})

	var out bytes.Buffer
	p, err := New(fx.cfg, Options{Out: &out})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	var rcErr *integrity.ReturncodeNonZeroError
	if !errors.As(err, &rcErr) {
		t.Fatalf("expected ReturncodeNonZeroError, got %v", err)
	}
	if strings.Count(out.String(), "<tr>") != 1 {
		t.Errorf("only the zip row should have been printed:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(fx.cfg.WorkDir, manifest.SumsFile)); !os.IsNotExist(err) {
		t.Error("no manifest should be written after a failure")
	}
}

func TestRun_MissingChecksumTool(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, nil)

	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	var notFound *shell.CommandNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected CommandNotFoundError, got %v", err)
	}
	if fx.requests.Load() != 0 {
		t.Errorf("nothing should be fetched without the checksum tool, saw %d requests", fx.requests.Load())
	}
}

func TestRun_Locked(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, checksumMocks)

	held := flock.New(filepath.Join(fx.cfg.WorkDir, LockFile))
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not take lock: %v", err)
	}
	defer func() { _ = held.Unlock() }()

	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	var fatal *failure.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError for locked work directory, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, checksumMocks)

	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	if d := failure.Classify(err); !d.Quiet || d.ExitCode != 0 {
		t.Errorf("interrupted run should exit quietly with 0, got %+v (%v)", d, err)
	}
}

func TestRun_Verbose(t *testing.T) {
	fx := newFixture(t, http.StatusOK)
	useMock(t, checksumMocks)

	var console bytes.Buffer
	p, err := New(fx.cfg, Options{Out: &bytes.Buffer{}, Console: &console, Verbose: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, want := range []string{"FILE", "govready-q-1.2.3.tar.gz", "tgzsum", "Elapsed time:"} {
		if !strings.Contains(console.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, console.String())
		}
	}
}

type staticSource struct{}

func (staticSource) ResolveLatest(context.Context) (*release.Info, error) {
	return &release.Info{ID: "1.0.0", HTMLURL: "https://example.test/tag/1.0.0"}, nil
}

type panickyFetcher struct{}

func (panickyFetcher) Fetch(context.Context, string, fetcher.Format) (*fetcher.Artifact, error) {
	var art *fetcher.Artifact
	return art, errors.New(art.Name)
}

func TestRun_RecoversPanics(t *testing.T) {
	useMock(t, checksumMocks)

	p := &Publisher{
		Source:   staticSource{},
		Fetcher:  panickyFetcher{},
		Reporter: &integrity.Reporter{},
		WorkDir:  t.TempDir(),
		Out:      &bytes.Buffer{},
	}
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	d := failure.Classify(err)
	if !strings.Contains(d.Message, "publisher_test.go") {
		t.Errorf("expected panic location in diagnosis, got %q", d.Message)
	}
}

func TestInstallMode(t *testing.T) {
	tests := []struct {
		opts Options
		want string
	}{
		{Options{}, "host"},
		{Options{User: true}, "user"},
		{Options{Docker: true, User: true}, "docker"},
	}
	for _, tt := range tests {
		if got := InstallMode(tt.opts); got != tt.want {
			t.Errorf("InstallMode(%+v) = %q, want %q", tt.opts, got, tt.want)
		}
	}
}
