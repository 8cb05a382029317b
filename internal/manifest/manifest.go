package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govready/release-grq/internal/config/version"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/govready/release-grq/internal/utils/security"
	"sigs.k8s.io/yaml"
)

const (
	SchemaVersion = "1"
	SumsFile      = "SHA256SUMS"
	SignatureFile = "SHA256SUMS.asc"
	ManifestFile  = "release-manifest.yaml"
	HashAlg       = "SHA256"
	SigAlg        = "OpenPGP"
)

// Files returns the names Write may produce, for cleanup.
func Files() []string {
	return []string{SumsFile, SignatureFile, ManifestFile}
}

// Artifact is one published archive as recorded in the manifest.
type Artifact struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	HashAlg   string `json:"hash_alg"`
	Entries   int    `json:"entries,omitempty"`
}

// ReleaseManifest describes one publishing run.
type ReleaseManifest struct {
	SchemaVersion   string     `json:"schema_version"`
	RunID           string     `json:"run_id"`
	Release         string     `json:"release"`
	ReleaseURL      string     `json:"release_url"`
	Version         string     `json:"version,omitempty"`
	Prerelease      bool       `json:"prerelease"`
	PublishedAt     string     `json:"published_at,omitempty"`
	GeneratedAt     string     `json:"generated_at"`
	Generator       string     `json:"generator"`
	InstallMode     string     `json:"install_mode"`
	ChecksumCommand []string   `json:"checksum_command"`
	Artifacts       []Artifact `json:"artifacts"`
	Signature       string     `json:"signature,omitempty"`
	SigAlg          string     `json:"sig_alg,omitempty"`
	SignerKey       string     `json:"signer_key,omitempty"`
}

// New starts a manifest for release with a fresh run id.
func New(release, releaseURL string) *ReleaseManifest {
	return &ReleaseManifest{
		SchemaVersion: SchemaVersion,
		RunID:         uuid.New().String(),
		Release:       release,
		ReleaseURL:    releaseURL,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Generator:     fmt.Sprintf("%s %s", version.Toolname, version.Version),
		InstallMode:   "host",
	}
}

// Add records a measured artifact.
func (m *ReleaseManifest) Add(a Artifact) {
	if a.HashAlg == "" {
		a.HashAlg = HashAlg
	}
	m.Artifacts = append(m.Artifacts, a)
}

// Sums renders the artifacts in the two-space format shasum -c reads.
func (m *ReleaseManifest) Sums() []byte {
	var b strings.Builder
	for _, a := range m.Artifacts {
		fmt.Fprintf(&b, "%s  %s\n", a.Checksum, a.Name)
	}
	return []byte(b.String())
}

// Written lists the files produced by Write; SignaturePath is empty when
// no signer was given.
type Written struct {
	SumsPath      string
	ManifestPath  string
	SignaturePath string
}

// Write stores SHA256SUMS, the optional detached signature over it, and
// the YAML manifest in dir, in that order.
func Write(dir string, m *ReleaseManifest, signer *Signer) (*Written, error) {
	log := logger.Logger()
	out := &Written{
		SumsPath:     filepath.Join(dir, SumsFile),
		ManifestPath: filepath.Join(dir, ManifestFile),
	}

	sums := m.Sums()
	if err := security.SafeWriteFile(out.SumsPath, sums, 0644, security.RejectSymlinks); err != nil {
		return nil, fmt.Errorf("error writing %s: %w", SumsFile, err)
	}
	log.Infof("Checksums written to %s", out.SumsPath)

	if signer != nil {
		sig, err := signer.Sign(sums)
		if err != nil {
			return nil, err
		}
		if err := signer.Verify(sums, sig); err != nil {
			return nil, fmt.Errorf("signature self-check failed: %w", err)
		}
		out.SignaturePath = filepath.Join(dir, SignatureFile)
		if err := security.SafeWriteFile(out.SignaturePath, sig, 0644, security.RejectSymlinks); err != nil {
			return nil, fmt.Errorf("error writing %s: %w", SignatureFile, err)
		}
		m.Signature = SignatureFile
		m.SigAlg = SigAlg
		m.SignerKey = signer.Fingerprint()
		log.Infof("Signature written to %s", out.SignaturePath)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshaling manifest to YAML: %w", err)
	}
	if err := security.SafeWriteFile(out.ManifestPath, data, 0644, security.RejectSymlinks); err != nil {
		return nil, fmt.Errorf("error writing %s: %w", ManifestFile, err)
	}
	log.Infof("Release manifest written to %s", out.ManifestPath)
	return out, nil
}

// Load reads a manifest written by Write.
func Load(path string) (*ReleaseManifest, error) {
	data, err := security.SafeReadFile(path, security.RejectSymlinks)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m ReleaseManifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}
