package task

// Validator captures the response headers used to detect that a remote
// resource changed between attempts. Precedence when comparing is
// ETag, then Last-Modified, then Content-Length: only the strongest
// field both sides carry is consulted.
type Validator struct {
	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
}

// IsZero reports whether no validator information is present.
func (v Validator) IsZero() bool {
	return v.ETag == "" && v.LastModified == "" && v.ContentLength == 0
}

// Matches reports whether recorded progress made against v is still
// valid against the remote's current validator. An empty recorded
// validator never matches: without one there is no way to prove the
// remote is unchanged.
func (v Validator) Matches(remote Validator) bool {
	if v.ETag != "" && remote.ETag != "" {
		return v.ETag == remote.ETag
	}
	if v.LastModified != "" && remote.LastModified != "" {
		return v.LastModified == remote.LastModified
	}
	if v.ContentLength != 0 && remote.ContentLength != 0 {
		return v.ContentLength == remote.ContentLength
	}
	return false
}
