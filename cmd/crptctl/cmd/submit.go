package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/client"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/intake"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
)

type submitResult struct {
	File      string `json:"file"`
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status,omitempty"`
	Accepted  bool   `json:"accepted"`
	Body      string `json:"body,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

func newSubmitCmd(o *options) *cobra.Command {
	var (
		group   string
		format  string
		enqueue bool
	)

	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit product documents",
		Long: `Submit one LP_INTRODUCE_GOODS document per FILE. The file content is
the product document body; it is base64 encoded on the way out.

By default every document goes through the rate limited client and the
command waits for each response. With --enqueue the documents are
published to the submitter service's NSQ topic instead.`,
		Example: `  crptctl submit --group milk --signature "$SIG" doc1.json doc2.json
  crptctl submit --group shoes --format XML --enqueue doc.xml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make([]document.Document, 0, len(args))
			for _, path := range args {
				doc, err := loadDocument(path, format, group)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			var (
				results []submitResult
				err     error
			)
			if enqueue {
				results, err = o.enqueue(ctx, args, docs)
			} else {
				results, err = o.submitDirect(ctx, cmd.ErrOrStderr(), args, docs)
			}
			if err != nil {
				return err
			}

			if err := o.printResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if failed := countFailed(results, enqueue); failed > 0 {
				return fmt.Errorf("%d of %d submissions failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "product group, e.g. milk, shoes (required)")
	cmd.Flags().StringVar(&format, "format", document.FormatManual, "document format: MANUAL, XML or CSV")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish to NSQ for the submitter service instead of submitting directly")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func loadDocument(path, format, group string) (document.Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc := document.NewIntroduceGoods(format, group, body)
	if err := doc.Validate(); err != nil {
		return document.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func (o *options) submitDirect(ctx context.Context, logOut io.Writer, files []string, docs []document.Document) ([]submitResult, error) {
	logger := logging.New("crptctl")
	logger.SetOutput(logOut)
	logger.SetLevel(logging.LevelWarn)

	c, err := client.New(o.period, o.quota, o.pool,
		client.WithBaseURL(o.baseURL),
		client.WithRequestTimeout(o.timeout),
		client.WithLimiterMode(ratelimit.Mode(o.mode)),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
	}()

	results := make([]submitResult, len(docs))
	handles := make([]*dispatch.Handle, len(docs))
	for i, doc := range docs {
		results[i].File = filepath.Base(files[i])
		h, err := c.Submit(ctx, doc, o.signature)
		if err != nil {
			results[i].Error = err.Error()
			results[i].Kind = string(apierr.KindOf(err))
			continue
		}
		handles[i] = h
		results[i].TaskID = h.ID()
	}

	for i, h := range handles {
		if h == nil {
			continue
		}
		res, err := h.Wait(ctx)
		if err != nil {
			results[i].Error = err.Error()
			results[i].Kind = string(apierr.KindOf(err))
			continue
		}
		results[i].Status = res.Status
		results[i].Accepted = res.Success()
		results[i].Body = string(res.Body)
		results[i].Duration = res.Duration.Round(time.Millisecond).String()
	}
	return results, nil
}

func (o *options) enqueue(ctx context.Context, files []string, docs []document.Document) ([]submitResult, error) {
	pub, closePub, err := o.newPublisher(o.nsqd)
	if err != nil {
		return nil, err
	}
	defer closePub()

	results := make([]submitResult, len(docs))
	for i, doc := range docs {
		req := intake.Request{
			RequestID: uuid.NewString(),
			Document:  doc,
			Signature: o.signature,
		}
		results[i].File = filepath.Base(files[i])
		results[i].RequestID = req.RequestID
		if err := intake.Enqueue(ctx, pub, o.topic, req); err != nil {
			results[i].Error = err.Error()
		}
	}
	return results, nil
}

func countFailed(results []submitResult, enqueued bool) int {
	n := 0
	for _, r := range results {
		if r.Error != "" || (!enqueued && !r.Accepted) {
			n++
		}
	}
	return n
}

func (o *options) printResults(w io.Writer, results []submitResult) error {
	if o.outputJSON {
		return o.printJSON(w, results)
	}
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "✗ %s: %s\n", r.File, r.Error)
		case r.RequestID != "":
			fmt.Fprintf(w, "→ %s: queued as %s on %s\n", r.File, r.RequestID, o.topic)
		case r.Accepted:
			fmt.Fprintf(w, "✓ %s: HTTP %d in %s %s\n", r.File, r.Status, r.Duration, r.Body)
		default:
			fmt.Fprintf(w, "✗ %s: HTTP %d %s\n", r.File, r.Status, r.Body)
		}
	}
	return nil
}
