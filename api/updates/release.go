package updates

// ReleaseInfo represents a release returned by the update server.
type ReleaseInfo struct {
	Version      string  `json:"version"                 yaml:"version"`
	Channel      Channel `json:"channel"                 yaml:"channel"`
	DownloadURL  string  `json:"download_url"            yaml:"download_url"`
	Size         int64   `json:"size"                    yaml:"size"`
	SHA256       string  `json:"sha256"                  yaml:"sha256"`
	Signature    string  `json:"signature"               yaml:"signature"`
	ReleaseNotes string  `json:"release_notes,omitempty" yaml:"release_notes,omitempty"`
	ReleaseDate  string  `json:"release_date"            yaml:"release_date"`
	Critical     bool    `json:"critical"                yaml:"critical"`
	MinVersion   string  `json:"min_version,omitempty"   yaml:"min_version,omitempty"`
	ManifestURL  string  `json:"manifest_url,omitempty"  yaml:"manifest_url,omitempty"`
}
