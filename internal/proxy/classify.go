package proxy

import "strings"

// Branch is the processing path chosen for an upstream response.
type Branch string

const (
	BranchHTML        Branch = "html"
	BranchPassthrough Branch = "passthrough"
)

// Classify picks the branch from the declared content type alone. The body is
// never sniffed, so an HTML body labeled as something else passes through untouched.
func Classify(contentType string) Branch {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return BranchHTML
	}
	return BranchPassthrough
}
