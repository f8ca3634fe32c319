package message

import (
	"encoding/json"
	"time"
)

// Package is a site-to-site envelope wrapping a Job, produced by the
// request context when an operation targets a non-local site. Timestamp
// exists so uplink can discard packages older than a delivery horizon
// rather than retrying forever -- see internal/uplink.
type Package struct {
	Timestamp  time.Time `json:"timestamp"`
	SourceSite string    `json:"source_site"`
	TargetSite string    `json:"target_site"`
	Job        Job       `json:"job"`
}

func NewPackage(sourceSite, targetSite string, job Job) Package {
	return Package{
		Timestamp:  time.Now().UTC(),
		SourceSite: sourceSite,
		TargetSite: targetSite,
		Job:        job,
	}
}

func (p Package) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalPackage(data []byte) (Package, error) {
	var p Package
	err := json.Unmarshal(data, &p)
	return p, err
}

// Age reports how long ago the package was created.
func (p Package) Age() time.Duration {
	return time.Since(p.Timestamp)
}
