// Package procedures holds the built-in remote procedures: S3 URL presigning
// and the interactive fieldset refinement loop.
package procedures

// Procedure names as addressed by live updates.
const (
	GetPresignedURL          = "getPresignedUrl"
	GetMultiplePresignedURLs = "getMultiplePresignedUrls"
	GetNextFieldset          = "getNextFieldset"
)
