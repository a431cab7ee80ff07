// Package archive packages staging directories into backup ZIP files and
// inspects uploaded archives.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// ManifestName is written at the archive root by this engine
const ManifestName = "manifest.json"

// LegacyManifestName is the manifest name used by older archives
const LegacyManifestName = "backup_info.json"

// FormatVersion is the archive layout version
const FormatVersion = "1.0"

// Kind is what a backup contains
type Kind string

const (
	KindFull     Kind = "full"
	KindDatabase Kind = "database"
	KindFiles    Kind = "files"
)

// ParseKind validates a kind name
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindFull, KindDatabase, KindFiles:
		return k, true
	}
	return "", false
}

// IncludesDatabase reports whether the kind exports tables
func (k Kind) IncludesDatabase() bool { return k == KindFull || k == KindDatabase }

// IncludesFiles reports whether the kind copies content trees
func (k Kind) IncludesFiles() bool { return k == KindFull || k == KindFiles }

// SiteIDs decodes from numbers or numeric strings
type SiteIDs []int64

// UnmarshalJSON implements json.Unmarshaler
func (s *SiteIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SiteIDs, 0, len(raw))
	for _, r := range raw {
		var n int64
		if err := json.Unmarshal(r, &n); err == nil {
			out = append(out, n)
			continue
		}
		var str string
		if err := json.Unmarshal(r, &str); err != nil {
			return fmt.Errorf("invalid site id %s", string(r))
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid site id %q", str)
		}
		out = append(out, n)
	}
	*s = out
	return nil
}

// Manifest describes an archive's origin and contents
type Manifest struct {
	BackupDate      string  `json:"backup_date"`
	BackupTimestamp int64   `json:"backup_timestamp"`
	PlatformVersion string  `json:"platform_version,omitempty"`
	WordPressVer    string  `json:"wordpress_version,omitempty"`
	SitesIncluded   SiteIDs `json:"sites_included"`
	SitesCount      int     `json:"sites_count"`
	DatabasePrefix  string  `json:"database_prefix"`
	Multisite       bool    `json:"multisite"`
	BackupType      string  `json:"backup_type"`
	PluginVersion   string  `json:"plugin_version"`
	CreatedBy       string  `json:"created_by"`
	FormatVersion   string  `json:"format_version"`
	GoVersion       string  `json:"go_version,omitempty"`
	MySQLVersion    string  `json:"mysql_version,omitempty"`
}

// Version returns the platform version, whichever field carries it
func (m *Manifest) Version() string {
	if m.PlatformVersion != "" {
		return m.PlatformVersion
	}
	return m.WordPressVer
}

// WriteManifest writes manifest.json at the root of dir
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest decodes a manifest
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
