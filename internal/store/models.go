package store

import "time"

// FileUpsert carries the metadata for one staged file. FetchedAt is nil when
// the filename carried no parseable timestamp.
type FileUpsert struct {
	Filename  string
	FetchedAt *time.Time
	SHA256    string
	SizeBytes int64
}

// Target is one extracted target record. UseSSL is tri-state: nil means the
// source left it unspecified. Body and Headers are opaque JSON documents.
type Target struct {
	TargetID       string
	RequestID      string
	Host           string
	NormalizedHost string
	IP             *string
	Type           string
	Method         string
	Port           *int
	UseSSL         *bool
	Path           string
	Body           []byte
	Headers        []byte
}

// Random is one extracted random-value generator record. The boolean flags
// are tri-state for the same reason as Target.UseSSL.
type Random struct {
	Name     string
	RemoteID string
	Digit    *bool
	Upper    *bool
	Lower    *bool
	Min      *int64
	Max      *int64
}
