package procedures

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/fanout"
	"github.com/seantiz/hermes/internal/presign"
	"github.com/seantiz/hermes/internal/procedure"
)

// Presign exposes a presigner as remote procedures.
type Presign struct {
	presigner presign.Presigner
	limit     int
	logger    *slog.Logger
}

// NewPresign creates the presign procedures. limit bounds concurrent signing
// in getMultiplePresignedUrls; zero uses fanout.DefaultLimit.
func NewPresign(p presign.Presigner, limit int, logger *slog.Logger) *Presign {
	return &Presign{presigner: p, limit: limit, logger: logger}
}

// Register adds both presign procedures to reg.
func (p *Presign) Register(reg *procedure.Registry) {
	reg.Register(GetPresignedURL, p.Single)
	reg.Register(GetMultiplePresignedURLs, p.Multiple)
}

// Single presigns one URL. Args is either a JSON string or {"url": "..."}.
func (p *Presign) Single(ctx context.Context, requestID string, args procedure.Args, _ *agent.State) (any, error) {
	var raw string
	if err := args.Decode(&raw); err != nil {
		var obj struct {
			URL string `json:"url"`
		}
		if err := args.Decode(&obj); err != nil || obj.URL == "" {
			return nil, procedure.Rejected(map[string][]string{
				"url": {"Must be a string or an object with a 'url' string."},
			})
		}
		raw = obj.URL
	}

	p.logger.Debug("presigning s3 url", "request_id", requestID, "url", raw)
	signed, err := p.presigner.Presign(ctx, raw)
	if err != nil {
		return nil, err
	}
	return signed, nil
}

type multipleArgs struct {
	URLs []string `json:"urls"`
}

// Multiple presigns {"urls": [...]} concurrently and returns [original,
// presigned] pairs in input order. Any failure fails the whole call with an
// error naming every URL that could not be signed.
func (p *Presign) Multiple(ctx context.Context, requestID string, args procedure.Args, _ *agent.State) (any, error) {
	var in multipleArgs
	if err := args.Decode(&in); err != nil || in.URLs == nil {
		return nil, procedure.Rejected(map[string][]string{
			"urls": {"Must be a dictionary with 'urls' parameter that is a list of strings."},
		})
	}

	p.logger.Debug("presigning s3 urls", "request_id", requestID, "count", len(in.URLs))
	pairs, err := fanout.Run(ctx, in.URLs, fanout.Options{Limit: p.limit},
		func(ctx context.Context, u string) (string, error) {
			if !presign.IsS3URL(u) {
				return "", fmt.Errorf("could not presign URL '%s' because of error: not a valid S3 URL", u)
			}
			signed, err := p.presigner.Presign(ctx, u)
			if err != nil {
				return "", fmt.Errorf("could not presign URL '%s' because of error: %w", u, err)
			}
			return signed, nil
		})
	if err != nil {
		return nil, err
	}

	out := make([][2]string, len(pairs))
	for i, pr := range pairs {
		out[i] = [2]string{pr.Input, pr.Result}
	}
	return out, nil
}
