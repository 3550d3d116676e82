package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imaryza/isync/internal/api"
	"github.com/spf13/cobra"
)

func docsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage locally stored documents",
	}
	cmd.AddCommand(docsPutCmd(), docsListCmd(), docsRejectedCmd(), docsRequeueCmd())
	return cmd
}

func docsPutCmd() *cobra.Command {
	var docType, id string
	cmd := &cobra.Command{
		Use:   "put <json|->",
		Short: "Save a document for upload (- reads the payload from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := args[0]
			if payload == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = string(data)
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				doc, err := c.SaveDocument(ctx, api.SaveDocumentRequest{ID: id, Type: docType, Payload: payload})
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(doc)
					return nil
				}
				fmt.Printf("saved %s (%s)\n", doc.ID, doc.Type)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "document type: booking, schedule, jobUpdate or message")
	cmd.Flags().StringVar(&id, "id", "", "document id (generated when empty)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func docsListCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents waiting for upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				docs, err := c.ListUnsynced(ctx, docType)
				if err != nil {
					return err
				}
				printDocuments(docs)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "only list documents of this type")
	return cmd
}

func docsRejectedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rejected",
		Short: "List documents the server refused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				docs, err := c.ListRejected(ctx)
				if err != nil {
					return err
				}
				printDocuments(docs)
				return nil
			})
		},
	}
}

func docsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Put rejected documents back in the upload queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				for _, id := range args {
					if err := c.Requeue(ctx, id); err != nil {
						return fmt.Errorf("requeue %s: %w", id, err)
					}
					fmt.Printf("requeued %s\n", id)
				}
				return nil
			})
		},
	}
}

func printDocuments(docs []api.Document) {
	if jsonOut {
		outputJSON(docs)
		return
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return
	}
	for _, d := range docs {
		line := fmt.Sprintf("%-36s %-10s %s", d.ID, d.Type, humanize.Time(d.Timestamp))
		switch {
		case d.RejectedAt != nil:
			line += fmt.Sprintf("  rejected %s: %s", humanize.Time(*d.RejectedAt), d.RejectReason)
		case d.Attempts > 0:
			line += fmt.Sprintf("  %d attempts, last error: %s", d.Attempts, d.LastError)
		}
		fmt.Println(line)
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync passes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Run a sync pass and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				res, err := c.RunSync(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(res)
					return nil
				}
				fmt.Printf("considered %d, synced %d, failed %d, rejected %d in %s\n",
					res.Considered, res.Synced, res.Failed, res.Rejected,
					time.Duration(res.DurationMs)*time.Millisecond)
				if res.Unauthorized {
					fmt.Println("backend refused the credentials; remaining documents wait for a new token")
				}
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "trigger",
		Short: "Ask the daemon to start a sync pass in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				return c.TriggerSync(ctx)
			})
		},
	})
	return cmd
}
