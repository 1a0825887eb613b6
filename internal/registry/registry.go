// Package registry implements RegistryClient: npm metadata lookup, semver
// range resolution and tarball fetch/unpack, grounded on the teacher's
// pkg.go version-selection contract and utils.go's semver helpers.
package registry

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"github.com/ije/gox/log"

	"github.com/nodekit-dev/nodekit"
)

var logger = log.New("")

func SetLogger(l *log.Logger) { logger = l }

const DefaultBaseURL = "https://registry.npmjs.org"

// Metadata is the subset of the npm registry's package document the
// installer needs: dist-tags plus per-version manifests.
type Metadata struct {
	Name     string                        `json:"name"`
	DistTags map[string]string             `json:"dist-tags"`
	Versions map[string]VersionManifest    `json:"versions"`
}

// VersionManifest is one entry of Metadata.Versions.
type VersionManifest struct {
	nodekit.PackageJSON
	Dist struct {
		Tarball string `json:"tarball"`
		Shasum  string `json:"shasum"`
	} `json:"dist"`
}

// Client talks to an npm-compatible registry over HTTP, with the teacher's
// dial/response-header timeout profile (query.go).
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// GetMetadata fetches and decodes "<baseURL>/<name>".
func (c *Client) GetMetadata(ctx context.Context, name string) (*Metadata, error) {
	url := fmt.Sprintf("%s/%s", c.BaseURL, strings.ReplaceAll(name, "/", "%2F"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindNetworkError, "build request", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindNetworkError, "fetch "+name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nodekit.NewError(nodekit.KindPackageNotFound, name, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nodekit.NewError(nodekit.KindNetworkError, fmt.Sprintf("%s: status %d", name, resp.StatusCode), nil)
	}
	meta := &Metadata{}
	if err := json.NewDecoder(resp.Body).Decode(meta); err != nil {
		return nil, nodekit.NewError(nodekit.KindNetworkError, "decode metadata for "+name, err)
	}
	return meta, nil
}

// ResolveVersion picks the concrete version satisfying rangeOrTag against
// Metadata, generalizing the teacher's semverLessThan dist-tag comparison
// into full npm range syntax (caret, tilde, exact, dist-tag, "latest").
func (m *Metadata) ResolveVersion(rangeOrTag string) (string, error) {
	if rangeOrTag == "" {
		rangeOrTag = "latest"
	}
	if v, ok := m.DistTags[rangeOrTag]; ok {
		if _, exists := m.Versions[v]; exists {
			return v, nil
		}
	}
	if _, exists := m.Versions[rangeOrTag]; exists {
		return rangeOrTag, nil
	}
	constraint, err := semver.NewConstraint(rangeOrTag)
	if err != nil {
		return "", nodekit.NewError(nodekit.KindNoMatchingVersion, "bad range "+rangeOrTag, err)
	}
	var candidates semver.Collection
	byString := map[string]string{}
	for v := range m.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		candidates = append(candidates, sv)
		byString[sv.String()] = v
	}
	if len(candidates) == 0 {
		return "", nodekit.NewError(nodekit.KindNoMatchingVersion, m.Name+"@"+rangeOrTag, nil)
	}
	// highest-first so the first match is the newest satisfying version.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].GreaterThan(candidates[i]) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	for _, sv := range candidates {
		if constraint.Check(sv) {
			return byString[sv.String()], nil
		}
	}
	return "", nodekit.NewError(nodekit.KindNoMatchingVersion, m.Name+"@"+rangeOrTag, nil)
}

// TarballEntry is one file extracted from a package tarball.
type TarballEntry struct {
	Path          string // relative to package root, "package/" prefix stripped
	Content       string
	BufferContent []byte
	IsBinary      bool
}

// FetchAndUnpack downloads a tarball and decodes every entry, classifying
// text vs binary the way the teacher's utils.go classifies embedded assets:
// valid UTF-8 with no NUL byte is text.
func (c *Client) FetchAndUnpack(ctx context.Context, tarballURL string) ([]TarballEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tarballURL, nil)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindNetworkError, "build tarball request", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindNetworkError, "fetch tarball", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nodekit.NewError(nodekit.KindNetworkError, fmt.Sprintf("tarball status %d", resp.StatusCode), nil)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindCorruptTarball, "gunzip", err)
	}
	defer gz.Close()

	var entries []TarballEntry
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nodekit.NewError(nodekit.KindCorruptTarball, "read tar entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, nodekit.NewError(nodekit.KindCorruptTarball, "read "+hdr.Name, err)
		}
		path := strings.TrimPrefix(hdr.Name, "package/")
		entry := TarballEntry{Path: path}
		if utf8.Valid(buf) && !containsNUL(buf) {
			entry.Content = string(buf)
		} else {
			entry.IsBinary = true
			entry.BufferContent = buf
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func containsNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}
